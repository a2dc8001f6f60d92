// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

// Package push is the server→browser push channel wire surface: named
// Server-Sent Events messages. The relay writes them with Writer; the
// client engine reads them with Reader. Both sides share the message
// name constants so the channel contract lives in one place.
//
// Besides the forwarded friend-event names (see upstream.EventKind),
// the channel carries four control messages: "connected" once the
// upstream pipeline is up, "ping" heartbeats to keep intermediaries
// from idling the connection out, and a terminal "error" or
// "disconnected" before the server closes the stream.
package push

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// Control message names. Friend events are forwarded under their
// upstream names ("friend-online", "friend-offline", ...).
const (
	MessageConnected    = "connected"
	MessageDisconnected = "disconnected"
	MessageError        = "error"
	MessagePing         = "ping"
)

// Message is one named push message with its payload.
type Message struct {
	Name string
	Data []byte
}

// Writer emits SSE frames to a browser connection, flushing after
// every message so events traverse proxies without buffering delay.
type Writer struct {
	writer  io.Writer
	flusher http.Flusher
}

// NewWriter prepares an http.ResponseWriter for SSE and returns a
// Writer. Fails if the response writer cannot flush (the relay cannot
// run behind a non-streaming middleware).
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("push: response writer does not support flushing")
	}
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	return &Writer{writer: w, flusher: flusher}, nil
}

// Send writes one named message. A multi-line payload is split across
// data fields per the SSE format; the reader joins them back with
// newlines.
func (w *Writer) Send(name string, data []byte) error {
	var frame bytes.Buffer
	fmt.Fprintf(&frame, "event: %s\n", name)
	if len(data) == 0 {
		frame.WriteString("data:\n")
	} else {
		for _, line := range bytes.Split(data, []byte("\n")) {
			frame.WriteString("data: ")
			frame.Write(line)
			frame.WriteByte('\n')
		}
	}
	frame.WriteByte('\n')

	if _, err := w.writer.Write(frame.Bytes()); err != nil {
		return fmt.Errorf("push: writing %s message: %w", name, err)
	}
	w.flusher.Flush()
	return nil
}

// Reader parses SSE frames from a push channel response body.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader wraps a response body. The caller retains ownership of r
// and closes it to unblock a pending Next.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), 1024*1024)
	return &Reader{scanner: scanner}
}

// Next blocks until a complete message arrives. Returns io.EOF (or the
// transport error) when the stream ends. Unnamed frames and comment
// lines are skipped.
func (r *Reader) Next() (Message, error) {
	var message Message
	var data [][]byte
	haveFrame := false

	for r.scanner.Scan() {
		line := r.scanner.Bytes()

		if len(line) == 0 {
			// Blank line: frame boundary.
			if haveFrame && message.Name != "" {
				message.Data = bytes.Join(data, []byte("\n"))
				return message, nil
			}
			message = Message{}
			data = nil
			haveFrame = false
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "event":
			message.Name = string(value)
			haveFrame = true
		case "data":
			data = append(data, append([]byte(nil), value...))
			haveFrame = true
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Message{}, err
	}
	return Message{}, io.EOF
}
