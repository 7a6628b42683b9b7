package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

// Stream pushes every committed task change to the connected websocket
// client as a JSON ChangeEvent. A client that reads too slowly misses events.
// Frames sent by the client are ignored.
func (h *TaskHandler) Stream() http.Handler {
	return websocket.Server{Handshake: allowAnyOrigin, Handler: h.stream}
}

// allowAnyOrigin accepts clients without an Origin header (CLIs, services)
// and rejects only a malformed one.
func allowAnyOrigin(config *websocket.Config, r *http.Request) error {
	origin, err := websocket.Origin(config, r)
	if err != nil {
		return err
	}
	config.Origin = origin
	return nil
}

func (h *TaskHandler) stream(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()
	// The server's read/write timeouts survive the hijack.
	_ = conn.SetDeadline(time.Time{})

	sub := h.service.Subscribe(0)
	defer sub.Close()
	logger := h.logger.With(zap.String("subscription", sub.ID))
	logger.Debug("stream client connected")

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_, _ = io.Copy(io.Discard, conn)
	}()

	enc := json.NewEncoder(conn)
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			if err := enc.Encode(ev); err != nil {
				logger.Debug("stream write failed", zap.Error(err))
				return
			}
		case <-gone:
			logger.Debug("stream client disconnected", zap.Uint64("dropped", sub.Dropped()))
			return
		}
	}
}
