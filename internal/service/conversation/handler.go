package conversation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/zhouzirui/taxdesk/backend/internal/logging"
	"github.com/zhouzirui/taxdesk/backend/internal/model/document"
	chatservice "github.com/zhouzirui/taxdesk/backend/internal/service/chat"
)

// ReadingDocumentsStep names the progress step shown while attachments are read.
const ReadingDocumentsStep = "Reading documents"

// Inbound is a user message received from a transport.
type Inbound struct {
	Content     string
	Attachments []document.Upload
}

// Replier delivers a reply in two phases: an empty placeholder first,
// then the final content.
type Replier interface {
	Send(ctx context.Context, content string) (messageID string, err error)
	Update(ctx context.Context, messageID, content string) error
}

// StepReporter is implemented by transports that display progress steps.
type StepReporter interface {
	Step(ctx context.Context, name, output string) error
}

// Workflow answers a question, always returning display text.
type Workflow interface {
	Call(ctx context.Context, userMessage, documentContext string) string
}

// Extractor turns attachments into prompt context.
type Extractor interface {
	Extract(ctx context.Context, docs []document.Upload) string
}

// Reply is the outcome of one handled message.
type Reply struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
}

// Handler runs the per-message flow for a session.
type Handler struct {
	sessions  *chatservice.Service
	extractor Extractor
	workflow  Workflow
	pool      *semaphore.Weighted
	logger    *zap.Logger
}

// NewHandler wires the orchestration. extractSlots bounds how many sessions
// may read attachments at the same time.
func NewHandler(sessions *chatservice.Service, extractor Extractor, workflow Workflow, extractSlots int, logger *zap.Logger) *Handler {
	if extractSlots < 1 {
		extractSlots = 1
	}
	return &Handler{
		sessions:  sessions,
		extractor: extractor,
		workflow:  workflow,
		pool:      semaphore.NewWeighted(int64(extractSlots)),
		logger:    logging.OrNop(logger).Named("conversation"),
	}
}

// HandleMessage processes msg for session. Exchanges of one session run
// strictly one after another; the exchange is recorded in history once the
// reply is final, whatever the workflow returned.
func (h *Handler) HandleMessage(ctx context.Context, session *chatservice.Session, msg Inbound, replier Replier) Reply {
	release := session.BeginExchange()
	defer release()

	log := h.logger.With(zap.String("session", session.ID()))

	var documentContext string
	if docs := usable(msg.Attachments); len(docs) > 0 {
		documentContext = h.readDocuments(ctx, docs, log)
		if reporter, ok := replier.(StepReporter); ok {
			if err := reporter.Step(ctx, ReadingDocumentsStep, fmt.Sprintf("Processed %d document(s)", len(docs))); err != nil {
				log.Warn("failed to report step", zap.Error(err))
			}
		}
	}

	messageID, err := replier.Send(ctx, "")
	if err != nil {
		log.Warn("failed to send placeholder reply", zap.Error(err))
	}

	answer := h.workflow.Call(ctx, msg.Content, documentContext)
	display := strings.TrimSpace(answer)

	if err == nil {
		if err := replier.Update(ctx, messageID, display); err != nil {
			log.Warn("failed to update reply", zap.String("message", messageID), zap.Error(err))
		}
	}

	h.sessions.RecordExchange(ctx, session, msg.Content, answer)
	log.Debug("exchange recorded", zap.Int("attachments", len(msg.Attachments)), zap.Int("reply_len", len(answer)))

	return Reply{MessageID: messageID, Content: display}
}

// readDocuments runs extraction off the calling goroutine, bounded by the
// shared extraction pool.
func (h *Handler) readDocuments(ctx context.Context, docs []document.Upload, log *zap.Logger) string {
	if err := h.pool.Acquire(ctx, 1); err != nil {
		log.Warn("document extraction abandoned", zap.Error(err))
		return ""
	}

	done := make(chan string, 1)
	go func() {
		defer h.pool.Release(1)
		done <- h.extractor.Extract(ctx, docs)
	}()

	select {
	case text := <-done:
		return text
	case <-ctx.Done():
		log.Warn("document extraction abandoned", zap.Error(ctx.Err()))
		return ""
	}
}

func usable(docs []document.Upload) []document.Upload {
	out := make([]document.Upload, 0, len(docs))
	for _, doc := range docs {
		if doc.Path != "" {
			out = append(out, doc)
		}
	}
	return out
}
