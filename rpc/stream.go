package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"blockbatch/core/types"
)

const (
	wsWriteTimeout   = 10 * time.Second
	streamBufferSize = 128
)

// Stream upgrades to a websocket and forwards live events. The optional
// escrow and type query parameters narrow the feed.
func (s *Server) Stream(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "event stream disabled")
		return
	}
	query := r.URL.Query()
	var escrowFilter string
	if raw := strings.TrimSpace(query.Get("escrow")); raw != "" {
		id, err := ParseEscrowID(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		escrowFilter = hex.EncodeToString(id[:])
	}
	typeFilter := strings.TrimSpace(query.Get("type"))

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	// Reads are only used to notice the client going away.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, escrowFilter, typeFilter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, escrowFilter, typeFilter string) error {
	updates, cancel := s.broker.Subscribe(streamBufferSize)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-updates:
			if !ok {
				return nil
			}
			if escrowFilter != "" && evt.Attr("id") != escrowFilter {
				continue
			}
			if typeFilter != "" && evt.Type != typeFilter {
				continue
			}
			if err := writeEvent(ctx, conn, evt); err != nil {
				return err
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, evt *types.Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
