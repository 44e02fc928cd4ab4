package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/termtab/backend/internal/protocol"
	"github.com/termtab/backend/internal/registry"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Large pastes arrive as a
	// single input frame.
	maxMessageSize = 64 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: Implement proper origin checking in production
		return true
	},
}

// Handler accepts WebSocket connections and routes decoded client requests
// into the registry.
type Handler struct {
	hub *Hub
	reg *registry.Registry
	log *zap.Logger
}

// NewHandler creates a WebSocket handler.
func NewHandler(hub *Hub, reg *registry.Registry, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{hub: hub, reg: reg, log: log}
}

// HandleConnection upgrades the HTTP connection and runs the read and write
// pumps until the peer goes away. The client receives the full terminal and
// tab state before any broadcast.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := newClient(h.log)

	terminals, tabs := h.reg.Snapshot()
	termFrame, err := protocol.Encode(protocol.TypeTerminalsList, &protocol.TerminalsList{Terminals: terminals})
	if err != nil {
		conn.Close()
		return err
	}
	tabFrame, err := protocol.Encode(protocol.TypeTabsList, &protocol.TabsList{Tabs: tabs})
	if err != nil {
		conn.Close()
		return err
	}
	h.hub.Register(client, termFrame, tabFrame)

	go h.writePump(client, conn)
	h.readPump(client, conn)
	return nil
}

// readPump pumps frames from the connection into the dispatcher.
func (h *Handler) readPump(client *Client, conn *websocket.Conn) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read error", zap.Error(err))
			}
			break
		}
		h.dispatch(client, message)
	}
}

// writePump pumps queued frames to the connection and keeps the peer alive
// with pings.
func (h *Handler) writePump(client *Client, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// One event per frame so the peer can JSON-decode each
			// frame independently.
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// dispatch decodes one client frame and applies it. Replies that answer the
// request directly (attach, errors without a create correlation) go only to
// the requesting client; state changes are broadcast by the registry.
func (h *Handler) dispatch(client *Client, data []byte) {
	typ, payload, err := protocol.DecodeClient(data)
	if err != nil {
		h.log.Debug("rejected client frame", zap.Error(err))
		client.SendEvent(protocol.TypeTerminalError, &protocol.TerminalError{
			Error: err.Error(),
		})
		return
	}

	ctx := context.Background()

	switch req := payload.(type) {
	case *protocol.TerminalCreate:
		_, err := h.reg.Create(ctx, registry.CreateParams{
			Name:          req.Name,
			Cols:          req.Cols,
			Rows:          req.Rows,
			Cwd:           req.Cwd,
			TabID:         req.TabID,
			PositionInTab: req.PositionInTab,
			RequestID:     req.RequestID,
			TempID:        req.TempID,
		})
		if err != nil {
			// Rejections are broadcast; the client holding this
			// correlation rolls back its optimistic session, everyone
			// else ignores the event.
			h.hub.Broadcast(protocol.TypeTerminalError, &protocol.TerminalError{
				Error:     err.Error(),
				RequestID: req.RequestID,
				TempID:    req.TempID,
			})
		}

	case *protocol.TerminalInput:
		if err := h.reg.Write(ctx, req.TerminalID, []byte(req.Data)); err != nil {
			h.sendError(client, req.TerminalID, err)
		}

	case *protocol.TerminalResize:
		if err := h.reg.Resize(ctx, req.TerminalID, req.Cols, req.Rows); err != nil {
			h.sendError(client, req.TerminalID, err)
		}

	case *protocol.TerminalRename:
		if err := h.reg.Rename(ctx, req.TerminalID, req.Name); err != nil {
			h.sendError(client, req.TerminalID, err)
		}

	case *protocol.TerminalDestroy:
		if err := h.reg.Destroy(ctx, req.TerminalID, req.Force, req.Reason); err != nil {
			h.sendError(client, req.TerminalID, err)
		}

	case *protocol.TerminalAttach:
		buf, _, err := h.reg.Attach(ctx, req.TerminalID)
		if err != nil {
			h.sendError(client, req.TerminalID, err)
			return
		}
		client.SendEvent(protocol.TypeTerminalAttached, &protocol.TerminalAttached{
			TerminalID: req.TerminalID,
			Buffer:     string(buf),
		})

	case *protocol.TerminalClearBuffer:
		if err := h.reg.ClearBuffer(ctx, req.TerminalID); err != nil {
			h.sendError(client, req.TerminalID, err)
		}

	case *protocol.TerminalAssignTab:
		if err := h.reg.AssignTab(ctx, req.TerminalID, req.TabID, req.PositionInTab); err != nil {
			h.sendError(client, req.TerminalID, err)
		}

	case *protocol.TabCreate:
		_, err := h.reg.CreateTab(ctx, registry.TabParams{
			Name:      req.Name,
			Position:  req.Position,
			Directory: req.Directory,
			RequestID: req.RequestID,
			TempID:    req.TempID,
		})
		if err != nil {
			h.hub.Broadcast(protocol.TypeTerminalError, &protocol.TerminalError{
				Error:     err.Error(),
				RequestID: req.RequestID,
				TempID:    req.TempID,
			})
		}

	case *protocol.TabUpdate:
		if err := h.reg.UpdateTab(ctx, req.TabID, req.Name, req.Directory); err != nil {
			h.sendError(client, "", err)
		}

	case *protocol.TabDelete:
		if err := h.reg.DeleteTab(ctx, req.TabID); err != nil {
			h.sendError(client, "", err)
		}

	case *protocol.TabReorder:
		if err := h.reg.ReorderTab(ctx, req.TabID, req.Position); err != nil {
			h.sendError(client, "", err)
		}

	default:
		h.log.Warn("unhandled client message", zap.String("type", string(typ)))
	}
}

func (h *Handler) sendError(client *Client, terminalID string, err error) {
	client.SendEvent(protocol.TypeTerminalError, &protocol.TerminalError{
		TerminalID: terminalID,
		Error:      err.Error(),
	})
}
