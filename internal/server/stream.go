package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// handleSSE streams progress lines as text/event-stream, one data event per
// line, starting with the greeting and replay.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.cfg.Stream.Subscribe()
	defer sub.Close()
	defer func() {
		slog.Debug("sse client disconnected", "remote", r.RemoteAddr, "dropped", sub.Dropped())
	}()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(s.cfg.KeepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case line, ok := <-sub.Lines():
			if !ok {
				return
			}
			if err := writeEvent(w, line); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, line string) error {
	var b strings.Builder
	for _, part := range strings.Split(line, "\n") {
		b.WriteString("data: ")
		b.WriteString(part)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, err := fmt.Fprint(w, b.String())
	return err
}

// handleWS streams progress lines over a WebSocket, one text message per
// line. Client messages are ignored.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		slog.Debug("ws accept", "error", err)
		return
	}
	defer conn.CloseNow()

	sub := s.cfg.Stream.Subscribe()
	defer sub.Close()
	slog.Debug("ws client connected", "remote", r.RemoteAddr)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			slog.Debug("ws client disconnected", "remote", r.RemoteAddr, "dropped", sub.Dropped())
			return
		case line, ok := <-sub.Lines():
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, []byte(line)); err != nil {
				slog.Debug("ws write", "error", err)
				return
			}
		}
	}
}
