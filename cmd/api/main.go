package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/zhouzirui/taxdesk/backend/internal/config"
	"github.com/zhouzirui/taxdesk/backend/internal/handler"
	"github.com/zhouzirui/taxdesk/backend/internal/logging"
	"github.com/zhouzirui/taxdesk/backend/internal/model/chat"
	"github.com/zhouzirui/taxdesk/backend/internal/service/auth"
	chatservice "github.com/zhouzirui/taxdesk/backend/internal/service/chat"
	"github.com/zhouzirui/taxdesk/backend/internal/service/conversation"
	"github.com/zhouzirui/taxdesk/backend/internal/service/document"
	"github.com/zhouzirui/taxdesk/backend/internal/service/workflow"
	"github.com/zhouzirui/taxdesk/backend/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if envErr != nil {
		logger.Warn("failed to load .env file, continuing with system environment variables only", zap.Error(envErr))
	}

	store := openStore(ctx, cfg.Storage, logger)
	if store != nil {
		defer store.Close()
	}

	workflowClient := workflow.NewClient(cfg.Workflow, logger)
	if !workflowClient.Enabled() {
		logger.Warn("workflow webhook URL not configured, every reply will report it")
	}

	authenticator := auth.NewAuthenticator(cfg.Auth)
	if !authenticator.Enabled() {
		logger.Warn("AUTH_USERNAME/AUTH_PASSWORD not set, API is open to anonymous users")
	}

	chatService := chatservice.NewService(store, logger)
	extractor := document.NewExtractor(logger, cfg.Upload.MaxParallel)
	conv := conversation.NewHandler(chatService, extractor, workflowClient, cfg.Upload.MaxParallel, logger)

	router := handler.NewRouter(handler.Deps{
		Chat:          chatService,
		Conversation:  conv,
		Authenticator: authenticator,
		UploadMax:     cfg.Upload.MaxBytes,
		Logger:        logger,
	})

	startServer(ctx, cfg.Server, router, logger)
}

// openStore never fails startup; without a usable store sessions live in memory only.
func openStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) chat.ThreadStore {
	if !cfg.Enabled() {
		logger.Warn("DATABASE_URL not set, session history will not be persisted")
		return nil
	}

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	store, err := storage.Open(openCtx, cfg.DatabaseURL)
	if err != nil {
		logger.Warn("failed to open thread store, continuing without persistence", zap.Error(err))
		return nil
	}
	logger.Info("thread store ready")
	return store
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *zap.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("taxdesk backend listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
