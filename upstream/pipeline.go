// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// Pipeline is one long-lived WebSocket connection to the platform's
// event stream. It decodes each frame's outer envelope, decodes the
// double-encoded content, classifies it into the closed event-kind
// set, and delivers the result on Events. Unrecognized kinds and
// malformed frames are dropped (logged at Debug), never surfaced.
//
// The adapter does not reconnect. On remote close or transport error
// the Events channel is closed and Err reports the terminal error;
// reconnection is the consumer's responsibility.
type Pipeline struct {
	conn   *websocket.Conn
	events chan Event
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

// ConnectPipeline opens the event stream for this session. A
// successful return is the "connected" signal. The caller must drain
// Events until it closes, and call Close when done.
func (s *Session) ConnectPipeline(ctx context.Context) (*Pipeline, error) {
	if s.client.pipelineURL == "" {
		return nil, fmt.Errorf("upstream: PipelineURL is not configured")
	}

	dialURL := s.client.pipelineURL + "?authToken=" + url.QueryEscape(s.authCookie)
	header := http.Header{"User-Agent": {s.client.userAgent}}

	conn, response, err := websocket.DefaultDialer.DialContext(ctx, dialURL, header)
	if err != nil {
		if response != nil && response.StatusCode == http.StatusUnauthorized {
			return nil, &APIError{StatusCode: http.StatusUnauthorized, Message: "pipeline rejected auth cookie"}
		}
		return nil, fmt.Errorf("upstream: pipeline dial failed: %w", err)
	}

	pipeline := &Pipeline{
		conn:   conn,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
		logger: s.client.logger,
	}
	go pipeline.receiveLoop()
	return pipeline, nil
}

// Events delivers classified events in arrival order. The channel is
// closed when the connection ends, locally or remotely.
func (p *Pipeline) Events() <-chan Event { return p.events }

// Err returns the terminal connection error, or nil after a local
// Close or a clean remote close. Only meaningful once Events has
// closed.
func (p *Pipeline) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close tears down the connection. The receive loop exits and closes
// Events even when the consumer stopped draining: a blocked delivery
// is released by the done channel, a blocked read by the closed
// socket. Idempotent.
func (p *Pipeline) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = p.conn.Close()
	})
	return err
}

// receiveLoop reads frames until the connection ends. One goroutine
// per pipeline; exits closing the events channel so consumers see a
// definite end-of-stream.
func (p *Pipeline) receiveLoop() {
	defer close(p.events)
	for {
		_, frame, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.mu.Lock()
				p.err = err
				p.mu.Unlock()
			}
			p.Close()
			return
		}
		event, ok := p.classify(frame)
		if !ok {
			continue
		}
		select {
		case p.events <- event:
		case <-p.done:
			return
		}
	}
}

// classify decodes a frame into an Event. The outer envelope is
// {type, content} where content is a serialized JSON document that
// must be decoded again. Returns false for unknown kinds and
// undecodable frames.
func (p *Pipeline) classify(frame []byte) (Event, bool) {
	var outer envelope
	if err := json.Unmarshal(frame, &outer); err != nil {
		p.logger.Debug("dropping undecodable pipeline frame", "error", err)
		return Event{}, false
	}

	kind := EventKind(outer.Type)
	if !knownEventKinds[kind] {
		p.logger.Debug("dropping unrecognized pipeline event", "type", outer.Type)
		return Event{}, false
	}

	payload := json.RawMessage(outer.Content)
	if !json.Valid(payload) {
		p.logger.Debug("dropping pipeline event with malformed content", "type", outer.Type)
		return Event{}, false
	}
	return Event{Kind: kind, Payload: payload}, true
}
