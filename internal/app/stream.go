package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"reactsync/internal/reaction"
	"reactsync/internal/reactsync"
)

const (
	streamWriteWait  = 5 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
	streamBuffer     = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is enforced by the middleware for plain requests.
		return true
	},
}

// streamCommand is what a consumer sends over the stream.
type streamCommand struct {
	Action       string `json:"action"`
	ReactionType string `json:"reaction_type,omitempty"`
}

// streamEvent is what the stream sends back.
type streamEvent struct {
	Type    string          `json:"type"`
	State   *reaction.State `json:"state,omitempty"`
	Code    string          `json:"code,omitempty"`
	Error   string          `json:"error,omitempty"`
	Details any             `json:"details,omitempty"`
}

// handleStream upgrades to a websocket bound to one entity. Every state
// transition is pushed as {"type":"state"}; commands set, remove, toggle and
// refresh act on the entity.
func (s *HTTPServer) handleStream(w http.ResponseWriter, r *http.Request, entityID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "entity_id", entityID, "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan streamEvent, streamBuffer)
	push := func(ev streamEvent) {
		select {
		case out <- ev:
		default:
			s.logger.Warn("stream consumer too slow, event dropped", "entity_id", entityID, "type", ev.Type)
		}
	}

	binding, err := s.service.Bind(ctx, entityID, func(st reaction.State) {
		push(streamEvent{Type: "state", State: &st})
	})
	if err != nil {
		status, code, message, _ := mapError(err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code+": "+message),
			time.Now().Add(streamWriteWait))
		s.logger.Warn("bind reaction stream", "entity_id", entityID, "status", status, "error", err)
		return
	}
	defer binding.Close()

	initial := binding.State()
	push(streamEvent{Type: "state", State: &initial})

	done := make(chan struct{})
	go s.writeStream(conn, out, done)
	defer close(done)

	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})

	for {
		var cmd streamCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("reaction stream closed", "entity_id", entityID, "error", err)
			}
			return
		}
		if err := s.runStreamCommand(ctx, binding, cmd); err != nil {
			_, code, message, details := mapError(err)
			push(streamEvent{Type: "error", Code: code, Error: message, Details: details})
		}
	}
}

func (s *HTTPServer) runStreamCommand(ctx context.Context, binding *reactsync.Binding, cmd streamCommand) error {
	var err error
	switch cmd.Action {
	case "set":
		if cmd.ReactionType == "" {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "reaction_type is required", nil)
		}
		_, err = binding.SetReaction(ctx, &cmd.ReactionType)
	case "remove":
		_, err = binding.SetReaction(ctx, nil)
	case "toggle":
		if cmd.ReactionType == "" {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "reaction_type is required", nil)
		}
		_, err = binding.Toggle(ctx, cmd.ReactionType)
	case "refresh":
		_, err = binding.Refresh(ctx)
	default:
		return domainError(http.StatusBadRequest, "UNKNOWN_ACTION", "Unknown action", map[string]any{"action": cmd.Action})
	}
	return err
}

// writeStream owns every write to conn.
func (s *HTTPServer) writeStream(conn *websocket.Conn, out <-chan streamEvent, done <-chan struct{}) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case ev := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("write reaction stream", "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		}
	}
}
