// Copyright 2026 The vrcsocial Authors
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/S0iRu/vrcsocial/push"
)

// heartbeatInterval paces the ping messages that keep proxies from
// idling the stream out.
const heartbeatInterval = 15 * time.Second

// handleStream is the relay core: it opens one upstream pipeline for
// the authenticated session and forwards every classified friend event
// verbatim onto the push channel. The stream ends when the browser
// disconnects, the pipeline drops, or a write fails; the server never
// reconnects upstream on the browser's behalf.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	session, ok := s.session(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "no session")
		return
	}

	pipeline, err := session.ConnectPipeline(r.Context())
	if err != nil {
		s.logger.Warn("pipeline connect failed", "error", err)
		writeUpstreamError(w, err)
		return
	}
	defer pipeline.Close()

	writer, err := push.NewWriter(w)
	if err != nil {
		s.logger.Error("stream rejected", "error", err)
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if err := writer.Send(push.MessageConnected, nil); err != nil {
		return
	}
	s.logger.Info("stream opened", "remote", r.RemoteAddr)

	heartbeat := s.clock.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case event, open := <-pipeline.Events():
			if !open {
				if err := pipeline.Err(); err != nil {
					s.logger.Warn("pipeline failed", "error", err)
					// The disruption may have poisoned pooled
					// platform sockets; the next API call re-dials.
					s.client.CloseIdleConnections()
					writer.Send(push.MessageError, []byte(err.Error()))
				} else {
					writer.Send(push.MessageDisconnected, nil)
				}
				return
			}
			if err := writer.Send(string(event.Kind), event.Payload); err != nil {
				s.logger.Debug("stream write failed, browser gone", "error", err)
				return
			}

		case tick := <-heartbeat.C:
			payload := strconv.FormatInt(tick.Unix(), 10)
			if err := writer.Send(push.MessagePing, []byte(payload)); err != nil {
				return
			}

		case <-r.Context().Done():
			s.logger.Info("stream closed by browser", "remote", r.RemoteAddr)
			return
		}
	}
}
