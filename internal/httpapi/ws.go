package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"switchboard/internal/auth"
	"switchboard/internal/call"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Kiosks and operator consoles are served from their own origins;
	// authentication is the bearer token, not the Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

// callStatusFrame is one message on the caller's status stream.
type callStatusFrame struct {
	Type   string      `json:"type"` // status | ended
	Record call.Record `json:"record,omitempty"`
}

// WatchCall streams the call record's status to the caller until the
// call ends. The stream follows a forward to the target operator's
// record; record deletion reads as ended.
func (h Handlers) WatchCall(c *gin.Context) {
	callID := c.Param("id")
	owner := c.Query("owner_operator_id")
	if callID == "" || owner == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "call id and owner_operator_id required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go discardReads(ctx, cancel, conn)

	updates := h.CallWatch.Watch(ctx, owner, callID)
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := writeControl(conn, websocket.PingMessage); err != nil {
				return
			}
		case upd, ok := <-updates:
			if !ok {
				return
			}
			frame := callStatusFrame{Type: "status", Record: upd.Record}
			if upd.Ended {
				frame.Type = "ended"
			}
			if err := writeJSON(conn, frame); err != nil {
				return
			}
			if upd.Ended {
				return
			}
		}
	}
}

// queueFrame is one message on the operator's queue stream: a call
// record appearing or changing in the operator's queue, an invitation,
// or a removal of either.
type queueFrame struct {
	Type    string          `json:"type"` // call | invitation | removed
	Path    string          `json:"path"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WatchQueue streams the operator's incoming work: pending call records
// under its queue and conference invitations. The stream opens with a
// snapshot of whatever is already there, so a reconnecting operator
// misses nothing.
func (h Handlers) WatchQueue(c *gin.Context) {
	operatorID, err := auth.SubjectID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "identity required"})
		return
	}

	queuePrefix := call.QueuePrefix(operatorID)
	invitePrefix := "invitation/" + operatorID + "/"

	events, stop, err := h.Calls.Store.Subscribe(c.Request.Context(), queuePrefix+"*")
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "subscribe failed"})
		return
	}
	defer stop()
	inviteEvents, stopInvites, err := h.Calls.Store.Subscribe(c.Request.Context(), invitePrefix+"*")
	if err != nil {
		stop()
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "subscribe failed"})
		return
	}
	defer stopInvites()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go discardReads(ctx, cancel, conn)

	// Snapshot before the live tail; Subscribe is already active, so a
	// write racing the snapshot shows up twice rather than never.
	for _, prefix := range []string{queuePrefix, invitePrefix} {
		existing, err := h.Calls.Store.List(ctx, prefix)
		if err != nil {
			h.Log.Warn("queue snapshot failed", "operator_id", operatorID, "err", err)
			continue
		}
		for path, raw := range existing {
			if err := writeJSON(conn, frameFor(path, raw, queuePrefix)); err != nil {
				return
			}
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := writeControl(conn, websocket.PingMessage); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeJSON(conn, frameFor(ev.Path, ev.Value, queuePrefix)); err != nil {
				return
			}
		case ev, ok := <-inviteEvents:
			if !ok {
				return
			}
			if err := writeJSON(conn, frameFor(ev.Path, ev.Value, queuePrefix)); err != nil {
				return
			}
		}
	}
}

func frameFor(path string, raw []byte, queuePrefix string) queueFrame {
	frame := queueFrame{Path: path, Payload: raw}
	switch {
	case raw == nil:
		frame.Type = "removed"
	case strings.HasPrefix(path, queuePrefix):
		frame.Type = "call"
	default:
		frame.Type = "invitation"
	}
	return frame
}

// discardReads drains the client side of the socket so control frames
// are processed, and cancels the stream when the peer goes away.
func discardReads(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(v)
}

func writeControl(conn *websocket.Conn, messageType int) error {
	return conn.WriteControl(messageType, nil, time.Now().Add(wsWriteTimeout))
}
