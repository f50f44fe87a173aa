package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
)

type wsWriter interface {
	Write(ctx context.Context, msgType websocket.MessageType, data []byte) error
}

func (s *Server) handleActionsWS(w http.ResponseWriter, r *http.Request) {
	if s.Hub == nil {
		writeError(w, http.StatusInternalServerError, errNotFound("action hub"))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "closed")

	ctx := r.Context()
	if err := streamActions(ctx, s.Hub, conn); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "stream error")
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "done")
}

func streamActions(ctx context.Context, hub *Hub, writer wsWriter) error {
	sub := hub.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-sub:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(record)
			if err != nil {
				return err
			}
			if err := writer.Write(ctx, websocket.MessageText, payload); err != nil {
				return err
			}
		}
	}
}
