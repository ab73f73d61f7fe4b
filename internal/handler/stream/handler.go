package stream

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/taxdesk/backend/internal/handler/upload"
	"github.com/zhouzirui/taxdesk/backend/internal/logging"
	"github.com/zhouzirui/taxdesk/backend/internal/service/auth"
	chatService "github.com/zhouzirui/taxdesk/backend/internal/service/chat"
	"github.com/zhouzirui/taxdesk/backend/internal/service/conversation"
	"github.com/zhouzirui/taxdesk/backend/pkg/utils"
)

// SSE event names.
const (
	EventStep    = "step"
	EventMessage = "message"
	EventUpdate  = "update"
	EventEnd     = "end"
	EventError   = "error"
)

// Handler streams the two-phase reply of a message via Server-Sent Events
type Handler struct {
	chatSvc      *chatService.Service
	conversation *conversation.Handler
	uploadMax    int64
	logger       *zap.Logger
}

// New creates a new stream handler
func New(chatSvc *chatService.Service, conv *conversation.Handler, uploadMax int64, logger *zap.Logger) *Handler {
	return &Handler{
		chatSvc:      chatSvc,
		conversation: conv,
		uploadMax:    uploadMax,
		logger:       logging.OrNop(logger).Named("stream"),
	}
}

// StreamResponse is the payload of every SSE event
type StreamResponse struct {
	SessionID string `json:"sessionId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Name      string `json:"name,omitempty"`
	Content   string `json:"content"`
	Finished  bool   `json:"finished,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RegisterRoutes mounts the stream endpoint. GET takes the message from the
// "message" query parameter; POST accepts the same bodies as the REST route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/{sessionID}", h.ServeHTTP)
	r.Post("/stream/{sessionID}", h.ServeHTTP)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	user, _ := auth.UserFrom(r.Context())
	session, err := h.chatSvc.GetSession(r.Context(), sessionID, user.Identifier)
	if err != nil {
		utils.RespondError(w, http.StatusNotFound, err.Error())
		return
	}

	msg, batch, err := h.readMessage(w, r)
	if err != nil {
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer batch.Cleanup()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	replier := &sseReplier{w: w, flusher: flusher, sessionID: sessionID}
	h.conversation.HandleMessage(r.Context(), session, msg, replier)

	if err := replier.send(EventEnd, StreamResponse{SessionID: sessionID, Finished: true}); err != nil {
		h.logger.Debug("client left before end event", zap.String("session", sessionID), zap.Error(err))
		return
	}
	h.logger.Debug("stream completed", zap.String("session", sessionID))
}

func (h *Handler) readMessage(w http.ResponseWriter, r *http.Request) (conversation.Inbound, *upload.Batch, error) {
	if r.Method == http.MethodGet {
		content := r.URL.Query().Get("message")
		if strings.TrimSpace(content) == "" {
			return conversation.Inbound{}, nil, errors.New("message query parameter is required")
		}
		return conversation.Inbound{Content: content}, &upload.Batch{}, nil
	}
	return upload.ReadRequest(w, r, h.uploadMax)
}

// sseReplier maps the reply phases onto SSE events.
type sseReplier struct {
	mu        sync.Mutex
	w         http.ResponseWriter
	flusher   http.Flusher
	sessionID string
}

func (s *sseReplier) send(event string, payload StreamResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return utils.SendSSEEvent(s.w, s.flusher, event, payload)
}

func (s *sseReplier) Step(_ context.Context, name, output string) error {
	return s.send(EventStep, StreamResponse{SessionID: s.sessionID, Name: name, Content: output})
}

func (s *sseReplier) Send(_ context.Context, content string) (string, error) {
	id := uuid.NewString()
	if err := s.send(EventMessage, StreamResponse{SessionID: s.sessionID, MessageID: id, Content: content}); err != nil {
		return "", err
	}
	return id, nil
}

func (s *sseReplier) Update(_ context.Context, messageID, content string) error {
	return s.send(EventUpdate, StreamResponse{SessionID: s.sessionID, MessageID: messageID, Content: content})
}
