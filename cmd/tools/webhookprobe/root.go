package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/taxdesk/backend/internal/config"
	"github.com/zhouzirui/taxdesk/backend/internal/logging"
	"github.com/zhouzirui/taxdesk/backend/internal/model/document"
	chatservice "github.com/zhouzirui/taxdesk/backend/internal/service/chat"
	docservice "github.com/zhouzirui/taxdesk/backend/internal/service/document"
	"github.com/zhouzirui/taxdesk/backend/internal/service/prompt"
	"github.com/zhouzirui/taxdesk/backend/internal/service/workflow"
	"github.com/zhouzirui/taxdesk/backend/internal/storage"
)

type probe struct {
	verbose bool
	cfg     *config.Config
	logger  *zap.Logger
}

func newRootCmd() *cobra.Command {
	p := &probe{}

	root := &cobra.Command{
		Use:   "webhookprobe",
		Short: "Exercise the tax assistant pipeline from the command line",
		Long: `webhookprobe runs the pieces of the chat relay without a browser.

Quick Start:
  webhookprobe ask "Is my home office deductible?" --file payslip.pdf
  webhookprobe ask "..." --dry-run           # print the prompt only
  webhookprobe extract notes.docx memo.txt   # show extracted document context
  webhookprobe thread <thread-id>            # dump a stored thread`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return p.setup()
		},
	}
	root.PersistentFlags().BoolVarP(&p.verbose, "verbose", "v", false, "Enable debug logging")

	root.AddCommand(p.askCmd(), p.extractCmd(), p.threadCmd())
	return root
}

func (p *probe) setup() error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if p.verbose {
		cfg.Log.Level = "debug"
	}
	cfg.Log.Format = "console"

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	p.cfg, p.logger = cfg, logger
	return nil
}

func (p *probe) askCmd() *cobra.Command {
	var (
		files   []string
		timeout time.Duration
		url     string
		dryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Send a question (and optional documents) to the workflow webhook",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.Join(args, " ")
			ctx := cmd.Context()

			docContext := docservice.NewExtractor(p.logger, p.cfg.Upload.MaxParallel).Extract(ctx, uploads(files))
			if dryRun {
				fmt.Fprint(cmd.OutOrStdout(), prompt.BuildCitationPrompt(question, docContext))
				return nil
			}

			wfCfg := p.cfg.Workflow
			if url != "" {
				wfCfg.WebhookURL = url
			}
			if timeout > 0 {
				wfCfg.Timeout = timeout
			}

			answer := workflow.NewClient(wfCfg, p.logger).Call(ctx, question, docContext)
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(answer))
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "Attach a PDF, DOCX or TXT file (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Override WORKFLOW_TIMEOUT")
	cmd.Flags().StringVar(&url, "url", "", "Override WORKFLOW_WEBHOOK_URL")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the prompt instead of calling the webhook")
	return cmd
}

func (p *probe) extractCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "extract <file>...",
		Short: "Print the document context built from files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := docservice.NewExtractor(p.logger, p.cfg.Upload.MaxParallel).Extract(cmd.Context(), uploads(args))
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimLeft(text, "\n"))
			return nil
		},
	}
}

type threadDump struct {
	ID        string     `yaml:"id"`
	UserID    string     `yaml:"user,omitempty"`
	Name      string     `yaml:"name,omitempty"`
	CreatedAt time.Time  `yaml:"created_at"`
	Turns     []turnDump `yaml:"turns"`
}

type turnDump struct {
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
}

func (p *probe) threadCmd() *cobra.Command {
	var databaseURL string

	cmd := &cobra.Command{
		Use:   "thread <thread-id>",
		Short: "Dump the rehydrated history of a stored thread as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if databaseURL == "" {
				databaseURL = p.cfg.Storage.DatabaseURL
			}
			if databaseURL == "" {
				return fmt.Errorf("DATABASE_URL is not set")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			store, err := storage.Open(ctx, databaseURL)
			if err != nil {
				return fmt.Errorf("failed to open thread store: %w", err)
			}
			defer store.Close()

			thread, err := store.ReadThread(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to read thread %s: %w", args[0], err)
			}

			dump := threadDump{ID: thread.ID, UserID: thread.UserID, Name: thread.Name, CreatedAt: thread.CreatedAt}
			for _, turn := range chatservice.Rehydrate(thread) {
				dump.Turns = append(dump.Turns, turnDump{Role: string(turn.Role), Content: turn.Content})
			}

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(dump)
		},
	}
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Override DATABASE_URL")
	return cmd
}

func uploads(paths []string) []document.Upload {
	docs := make([]document.Upload, 0, len(paths))
	for _, path := range paths {
		docs = append(docs, document.Upload{Name: filepath.Base(path), Path: path})
	}
	return docs
}
