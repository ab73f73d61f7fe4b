package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/taxdesk/backend/internal/config"
	"github.com/zhouzirui/taxdesk/backend/internal/logging"
	"github.com/zhouzirui/taxdesk/backend/internal/service/prompt"
)

// User-facing replies for failed calls.
const (
	NotConfiguredText      = "Workflow webhook URL not configured."
	TimeoutText            = "Request to the workflow service timed out."
	InvalidContentTypeText = "Workflow service returned invalid content type."
)

const maxResponseBytes = 8 << 20

// Request is the JSON body posted to the webhook.
type Request struct {
	ChatInput string `json:"chatInput"`
}

// Client relays questions to the workflow webhook and returns display-ready text.
type Client struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
	normalizer *Normalizer
	logger     *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout overrides the per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient builds a Client from configuration.
func NewClient(cfg config.WorkflowConfig, logger *zap.Logger, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = config.DefaultWorkflowTimeout
	}
	c := &Client{
		url:        strings.TrimSpace(cfg.WebhookURL),
		timeout:    timeout,
		httpClient: &http.Client{},
		normalizer: NewNormalizer(cfg.AnswerFields),
		logger:     logging.OrNop(logger).Named("workflow"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether a webhook URL is configured.
func (c *Client) Enabled() bool {
	return c.url != ""
}

// Call sends the citation prompt for userMessage to the webhook. Every
// failure is converted into a user-facing string; Call never returns an error.
func (c *Client) Call(ctx context.Context, userMessage, documentContext string) string {
	if !c.Enabled() {
		callsTotal.WithLabelValues(outcomeUnconfigured).Inc()
		return NotConfiguredText
	}

	body, err := json.Marshal(Request{ChatInput: prompt.BuildCitationPrompt(userMessage, documentContext)})
	if err != nil {
		return c.unexpected(err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	defer func() { callDuration.Observe(time.Since(start).Seconds()) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return c.unexpected(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportFailure(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		callsTotal.WithLabelValues(outcomeStatus).Inc()
		c.logger.Warn("workflow returned non-200 status", zap.Int("status", resp.StatusCode))
		return fmt.Sprintf("Workflow service returned status %d", resp.StatusCode)
	}

	if !strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "application/json") {
		callsTotal.WithLabelValues(outcomeContentType).Inc()
		c.logger.Warn("workflow returned non-JSON content", zap.String("content_type", resp.Header.Get("Content-Type")))
		return InvalidContentTypeText
	}

	decoder := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes))
	decoder.UseNumber()
	var data any
	if err := decoder.Decode(&data); err != nil {
		return c.transportFailure(err)
	}

	payload := c.normalizer.Parse(data)
	if payload.Verified() {
		callsTotal.WithLabelValues(outcomeOK).Inc()
	} else {
		callsTotal.WithLabelValues(outcomeUnverified).Inc()
		c.logger.Info("workflow reply carried no citations")
	}
	return payload.Render()
}

func (c *Client) transportFailure(err error) string {
	if isTimeout(err) {
		callsTotal.WithLabelValues(outcomeTimeout).Inc()
		c.logger.Warn("workflow call timed out", zap.Duration("timeout", c.timeout))
		return TimeoutText
	}
	return c.unexpected(err)
}

func (c *Client) unexpected(err error) string {
	callsTotal.WithLabelValues(outcomeError).Inc()
	c.logger.Error("workflow call failed", zap.Error(err))
	return "Unexpected error: " + err.Error()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
