package chat

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/taxdesk/backend/internal/handler/upload"
	"github.com/zhouzirui/taxdesk/backend/internal/logging"
	"github.com/zhouzirui/taxdesk/backend/internal/model/chat"
	"github.com/zhouzirui/taxdesk/backend/internal/service/auth"
	chatService "github.com/zhouzirui/taxdesk/backend/internal/service/chat"
	"github.com/zhouzirui/taxdesk/backend/internal/service/conversation"
	"github.com/zhouzirui/taxdesk/backend/pkg/utils"
)

// Handler 聊天服务的HTTP处理器
type Handler struct {
	chatSvc      *chatService.Service
	conversation *conversation.Handler
	uploadMax    int64
	logger       *zap.Logger
}

// New 创建聊天处理器
func New(chatSvc *chatService.Service, conv *conversation.Handler, uploadMax int64, logger *zap.Logger) *Handler {
	return &Handler{
		chatSvc:      chatSvc,
		conversation: conv,
		uploadMax:    uploadMax,
		logger:       logging.OrNop(logger).Named("chat"),
	}
}

// RegisterRoutes 注册聊天相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/sessions", h.handleCreateSession)
	r.Post("/sessions/{sessionID}/resume", h.handleResumeSession)
	r.Get("/sessions/{sessionID}/history", h.handleHistory)
	r.Post("/sessions/{sessionID}/messages", h.handleMessage)
	r.Get("/threads", h.handleListThreads)
}

type sessionResponse struct {
	Session  chat.Session `json:"session"`
	Greeting string       `json:"greeting,omitempty"`
	History  []chat.Turn  `json:"history,omitempty"`
}

type threadSummary struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"createdAt"`
}

// handleCreateSession 创建会话并返回问候语
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	user, authenticated := auth.UserFrom(r.Context())

	session, err := h.chatSvc.StartSession(r.Context(), user.Identifier)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	utils.RespondJSON(w, http.StatusCreated, sessionResponse{
		Session:  session.Info(),
		Greeting: conversation.Greeting(user, authenticated),
	})
}

// handleResumeSession 从持久化线程恢复会话历史
func (h *Handler) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())

	session, err := h.chatSvc.ResumeSession(r.Context(), chi.URLParam(r, "sessionID"), user.Identifier)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	utils.RespondJSON(w, http.StatusOK, sessionResponse{
		Session: session.Info(),
		History: session.History(),
	})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"history": session.History()})
}

// handleMessage 处理一条用户消息，支持JSON或multipart上传
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}

	msg, batch, err := upload.ReadRequest(w, r, h.uploadMax)
	if err != nil {
		h.logger.Debug("rejected message request", zap.String("session", session.ID()), zap.Error(err))
		utils.RespondError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer batch.Cleanup()

	reply := h.conversation.HandleMessage(r.Context(), session, msg, &bufferedReplier{})
	utils.RespondJSON(w, http.StatusOK, reply)
}

func (h *Handler) handleListThreads(w http.ResponseWriter, r *http.Request) {
	user, _ := auth.UserFrom(r.Context())

	threads, err := h.chatSvc.ListThreads(r.Context(), user.Identifier)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	summaries := make([]threadSummary, 0, len(threads))
	for _, thread := range threads {
		summaries = append(summaries, threadSummary{
			ID:        thread.ID,
			Name:      thread.Name,
			CreatedAt: thread.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"threads": summaries})
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*chatService.Session, bool) {
	user, _ := auth.UserFrom(r.Context())
	session, err := h.chatSvc.GetSession(r.Context(), chi.URLParam(r, "sessionID"), user.Identifier)
	if err != nil {
		respondServiceError(w, err)
		return nil, false
	}
	return session, true
}

func respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chatService.ErrSessionNotFound):
		utils.RespondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, chatService.ErrPersistenceDisabled):
		utils.RespondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		utils.RespondError(w, http.StatusInternalServerError, err.Error())
	}
}

// bufferedReplier keeps the reply in memory; the REST response carries the
// final content only.
type bufferedReplier struct {
	id      string
	content string
}

func (b *bufferedReplier) Send(_ context.Context, content string) (string, error) {
	b.id = uuid.NewString()
	b.content = content
	return b.id, nil
}

func (b *bufferedReplier) Update(_ context.Context, messageID, content string) error {
	if messageID != b.id {
		return errors.New("unknown message id")
	}
	b.content = content
	return nil
}
