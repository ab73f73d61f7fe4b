package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/taxdesk/backend/internal/handler/upload"
	"github.com/zhouzirui/taxdesk/backend/internal/logging"
	"github.com/zhouzirui/taxdesk/backend/internal/service/auth"
	chatservice "github.com/zhouzirui/taxdesk/backend/internal/service/chat"
	"github.com/zhouzirui/taxdesk/backend/internal/service/conversation"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Outbound message types.
const (
	TypeConnected = "connected"
	TypeStep      = "step"
	TypeMessage   = "message"
	TypeUpdate    = "update"
	TypeError     = "error"
)

// Handler WebSocket聊天处理器，同一连接上的消息按到达顺序逐条处理
type Handler struct {
	chatSvc      *chatservice.Service
	conversation *conversation.Handler
	upgrader     websocket.Upgrader
	readLimit    int64
	logger       *zap.Logger
}

// New 创建WebSocket处理器
func New(chatSvc *chatservice.Service, conv *conversation.Handler, uploadMax int64, logger *zap.Logger) *Handler {
	h := &Handler{
		chatSvc:      chatSvc,
		conversation: conv,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		logger: logging.OrNop(logger).Named("ws"),
	}
	if uploadMax > 0 {
		// base64 inflates attachments by a third.
		h.readLimit = uploadMax*4/3 + 4096
	}
	return h
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws/{sessionID}", h.handleWebSocket)
}

type inboundMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

// TextMessage 文本消息，附件内容为base64
type TextMessage struct {
	Content string               `json:"content"`
	Files   []upload.EncodedFile `json:"files"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// conn serializes writers; gorilla permits one concurrent writer.
type conn struct {
	mu        sync.Mutex
	ws        *websocket.Conn
	sessionID string
}

func (c *conn) write(msgType string, data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(outgoingMessage{
		Type:      msgType,
		SessionID: c.sessionID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
}

func (c *conn) sendError(message string) error {
	return c.write(TypeError, map[string]string{"message": message})
}

func (c *conn) Step(_ context.Context, name, output string) error {
	return c.write(TypeStep, map[string]string{"name": name, "output": output})
}

func (c *conn) Send(_ context.Context, content string) (string, error) {
	id := uuid.NewString()
	if err := c.write(TypeMessage, map[string]string{"id": id, "content": content}); err != nil {
		return "", err
	}
	return id, nil
}

func (c *conn) Update(_ context.Context, messageID, content string) error {
	return c.write(TypeUpdate, map[string]string{"id": messageID, "content": content})
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	user, _ := auth.UserFrom(r.Context())

	session, err := h.chatSvc.GetSession(r.Context(), sessionID, user.Identifier)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.String("session", sessionID), zap.Error(err))
		return
	}
	defer ws.Close()

	log := h.logger.With(zap.String("session", sessionID))
	log.Info("connection opened")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if h.readLimit > 0 {
		ws.SetReadLimit(h.readLimit)
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := &conn{ws: ws, sessionID: sessionID}
	go pingLoop(ctx, ws)

	if err := c.write(TypeConnected, map[string]any{"history": session.History()}); err != nil {
		return
	}

	for {
		// Handling a message can outlast the deadline; rearm before each read.
		ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg inboundMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("read error", zap.Error(err))
			}
			log.Info("connection closed")
			return
		}

		if msg.SessionID != "" && msg.SessionID != sessionID {
			c.sendError("session mismatch")
			continue
		}

		if err := h.handleMessage(ctx, c, session, &msg); err != nil {
			if err := c.sendError(err.Error()); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleMessage(ctx context.Context, c *conn, session *chatservice.Session, msg *inboundMessage) error {
	if msg.Type != "message" {
		return errors.New("unsupported message type: " + msg.Type)
	}

	var text TextMessage
	if err := json.Unmarshal(msg.Data, &text); err != nil {
		return errors.New("invalid message payload")
	}
	if strings.TrimSpace(text.Content) == "" && len(text.Files) == 0 {
		return upload.ErrEmptyMessage
	}

	inbound := conversation.Inbound{Content: text.Content}
	if len(text.Files) > 0 {
		batch, err := upload.FromEncoded(text.Files)
		if err != nil {
			h.logger.Warn("failed to store attachments", zap.String("session", session.ID()), zap.Error(err))
			return errors.New("failed to store attachments")
		}
		defer batch.Cleanup()
		inbound.Attachments = batch.Docs
	}

	h.conversation.HandleMessage(ctx, session, inbound, c)
	return nil
}

func pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
