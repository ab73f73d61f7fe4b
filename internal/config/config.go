package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// 默认值
const (
	DefaultWorkflowTimeout = 60 * time.Second
	DefaultExtractParallel = 4
	DefaultUploadMaxBytes  = 32 << 20
)

// DefaultAnswerFields 下游返回中答案字段的默认优先级。
var DefaultAnswerFields = []string{"answer", "response", "output", "cleanedResponse"}

// Config 聚合整个服务的配置项。
type Config struct {
	Server   ServerConfig
	Workflow WorkflowConfig
	Storage  StorageConfig
	Auth     AuthConfig
	Upload   UploadConfig
	Log      LogConfig
}

// Load 从环境变量加载配置，CONFIG_FILE 指向的 YAML 文件仅提供默认值。
func Load() (*Config, error) {
	file, err := loadFileOverlay(strings.TrimSpace(os.Getenv("CONFIG_FILE")))
	if err != nil {
		return nil, err
	}

	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	workflow, err := loadWorkflowConfig(file.Workflow)
	if err != nil {
		return nil, err
	}

	upload, err := loadUploadConfig(file.Upload)
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		Workflow: workflow,
		Storage:  StorageConfig{DatabaseURL: strings.TrimSpace(os.Getenv("DATABASE_URL"))},
		Auth: AuthConfig{
			Username: strings.TrimSpace(os.Getenv("AUTH_USERNAME")),
			Password: os.Getenv("AUTH_PASSWORD"),
		},
		Upload: upload,
		Log: LogConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// WorkflowConfig 描述外部工作流 webhook 配置。
type WorkflowConfig struct {
	WebhookURL   string
	Timeout      time.Duration
	AnswerFields []string
}

// Enabled 表示是否配置了 webhook 地址。
func (c WorkflowConfig) Enabled() bool {
	return c.WebhookURL != ""
}

func loadWorkflowConfig(file workflowFile) (WorkflowConfig, error) {
	url := strings.TrimSpace(os.Getenv("WORKFLOW_WEBHOOK_URL"))
	if url == "" {
		url = strings.TrimSpace(os.Getenv("N8N_WEBHOOK_URL"))
	}
	if url == "" {
		url = strings.TrimSpace(file.WebhookURL)
	}

	timeout := DefaultWorkflowTimeout
	if file.Timeout != "" {
		parsed, err := time.ParseDuration(file.Timeout)
		if err != nil {
			return WorkflowConfig{}, fmt.Errorf("invalid workflow.timeout value %q: %w", file.Timeout, err)
		}
		timeout = parsed
	}
	override, err := parseOptionalDurationEnv("WORKFLOW_TIMEOUT")
	if err != nil {
		return WorkflowConfig{}, err
	}
	if override != nil {
		timeout = *override
	}
	if timeout <= 0 {
		return WorkflowConfig{}, fmt.Errorf("workflow timeout must be positive, got %s", timeout)
	}

	fields := DefaultAnswerFields
	if len(file.AnswerFields) > 0 {
		fields = file.AnswerFields
	}
	if raw := strings.TrimSpace(os.Getenv("WORKFLOW_ANSWER_FIELDS")); raw != "" {
		fields = splitList(raw)
	}

	return WorkflowConfig{
		WebhookURL:   url,
		Timeout:      timeout,
		AnswerFields: append([]string(nil), fields...),
	}, nil
}

// StorageConfig 描述会话持久化配置，为空表示仅内存运行。
type StorageConfig struct {
	DatabaseURL string
}

// Enabled 表示是否配置了持久化地址。
func (c StorageConfig) Enabled() bool {
	return c.DatabaseURL != ""
}

// AuthConfig 描述固定账号校验。
type AuthConfig struct {
	Username string
	Password string
}

// Enabled 表示是否同时提供了用户名和密码。
func (c AuthConfig) Enabled() bool {
	return c.Username != "" && c.Password != ""
}

// UploadConfig 描述附件处理限制。
type UploadConfig struct {
	MaxBytes    int64
	MaxParallel int
}

func loadUploadConfig(file uploadFile) (UploadConfig, error) {
	cfg := UploadConfig{MaxBytes: DefaultUploadMaxBytes, MaxParallel: DefaultExtractParallel}
	if file.MaxBytes > 0 {
		cfg.MaxBytes = file.MaxBytes
	}
	if file.MaxParallel > 0 {
		cfg.MaxParallel = file.MaxParallel
	}

	maxBytes, err := parseOptionalIntEnv("UPLOAD_MAX_BYTES")
	if err != nil {
		return UploadConfig{}, err
	}
	if maxBytes != nil && *maxBytes > 0 {
		cfg.MaxBytes = int64(*maxBytes)
	}

	parallel, err := parseOptionalIntEnv("EXTRACT_MAX_PARALLEL")
	if err != nil {
		return UploadConfig{}, err
	}
	if parallel != nil {
		if *parallel < 1 {
			cfg.MaxParallel = 1
		} else {
			cfg.MaxParallel = *parallel
		}
	}
	return cfg, nil
}

// LogConfig 描述日志级别与格式。
type LogConfig struct {
	Level  string
	Format string
}

type fileOverlay struct {
	Workflow workflowFile `yaml:"workflow"`
	Upload   uploadFile   `yaml:"upload"`
}

type workflowFile struct {
	WebhookURL   string   `yaml:"webhook_url"`
	Timeout      string   `yaml:"timeout"`
	AnswerFields []string `yaml:"answer_fields"`
}

type uploadFile struct {
	MaxBytes    int64 `yaml:"max_bytes"`
	MaxParallel int   `yaml:"max_parallel"`
}

func loadFileOverlay(path string) (fileOverlay, error) {
	var overlay fileOverlay
	if path == "" {
		return overlay, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return overlay, fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return overlay, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return overlay, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalDurationEnv(key string) (*time.Duration, error) {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil, nil
	}

	// 纯数字按秒处理
	if secs, err := strconv.Atoi(value); err == nil {
		d := time.Duration(secs) * time.Second
		return &d, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &d, nil
}
