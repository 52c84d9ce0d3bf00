package config

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/spf13/viper"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server    ServerConfig
	AI        AIConfig
	Session   SessionConfig
	Delivery  DeliveryConfig
	Dispatch  DispatchConfig
	Slack     SlackConfig
	Matrix    MatrixConfig
	Knowledge KnowledgeConfig
	Log       LogConfig
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	APIKey            string
	AccessKey         string
	SecretKey         string
	Model             string
	BaseURL           string
	Region            string
	Temperature       *float64
	TopP              *float64
	MaxTokens         *int
	StreamResponse    bool
	Timeout           time.Duration
	SystemInstruction string
}

// SessionConfig bounds conversation memory.
type SessionConfig struct {
	MaxHistory    int
	TTL           time.Duration
	SweepInterval time.Duration
}

// DeliveryConfig controls how answers are handed back to transports.
type DeliveryConfig struct {
	MaxFragmentLen int
	ErrorReply     string
}

// DispatchConfig sizes the event worker pool.
type DispatchConfig struct {
	Workers int
}

// SlackConfig holds socket-mode credentials.
type SlackConfig struct {
	BotToken string
	AppToken string
}

// Enabled 表示是否提供了 Slack 所需的两个令牌。
func (c SlackConfig) Enabled() bool {
	return c.BotToken != "" && c.AppToken != ""
}

// MatrixConfig holds the homeserver login of the bot account.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	Rooms       []string
}

// Enabled 表示是否提供了 Matrix 登录信息。
func (c MatrixConfig) Enabled() bool {
	return c.Homeserver != "" && c.UserID != "" && c.AccessToken != ""
}

// KnowledgeConfig points at the SOP documents used for retrieval.
type KnowledgeConfig struct {
	Dir  string
	TopK int
}

// LogConfig selects the log level and output encoding.
type LogConfig struct {
	Level  string
	Format string
}

const defaultErrorReply = "Sorry, something went wrong while preparing the answer. Please try again in a moment."

// envBindings maps config keys to the environment variables that may set them.
var envBindings = map[string][]string{
	"server.port":            {"PORT"},
	"ai.api_key":             {"ARK_API_KEY"},
	"ai.access_key":          {"ARK_ACCESS_KEY"},
	"ai.secret_key":          {"ARK_SECRET_KEY"},
	"ai.model":               {"ARK_MODEL", "Model"},
	"ai.base_url":            {"ARK_BASE_URL"},
	"ai.region":              {"ARK_REGION"},
	"ai.temperature":         {"ARK_TEMPERATURE"},
	"ai.top_p":               {"ARK_TOP_P"},
	"ai.max_tokens":          {"ARK_MAX_TOKENS"},
	"ai.stream":              {"ARK_STREAM"},
	"ai.timeout":             {"AI_TIMEOUT"},
	"ai.system_instruction":  {"AI_SYSTEM_INSTRUCTION"},
	"session.max_history":    {"SESSION_MAX_HISTORY"},
	"session.ttl":            {"SESSION_TTL"},
	"session.sweep_interval": {"SESSION_SWEEP_INTERVAL"},
	"delivery.max_fragment":  {"DELIVERY_MAX_FRAGMENT"},
	"delivery.error_reply":   {"DELIVERY_ERROR_REPLY"},
	"dispatch.workers":       {"DISPATCH_WORKERS"},
	"slack.bot_token":        {"SLACK_BOT_TOKEN"},
	"slack.app_token":        {"SLACK_APP_TOKEN"},
	"matrix.homeserver":      {"MATRIX_HOMESERVER"},
	"matrix.user_id":         {"MATRIX_USER_ID"},
	"matrix.access_token":    {"MATRIX_ACCESS_TOKEN"},
	"matrix.rooms":           {"MATRIX_ROOMS"},
	"knowledge.dir":          {"KNOWLEDGE_DIR"},
	"knowledge.top_k":        {"KNOWLEDGE_TOP_K"},
	"log.level":              {"LOG_LEVEL"},
	"log.format":             {"LOG_FORMAT"},
}

// Load 从默认值、可选的 YAML 配置文件和环境变量加载配置，环境变量优先。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", configPath, err)
		}
	}

	server, err := loadServerConfig(v)
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig(v)
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig(v)
	if err != nil {
		return nil, err
	}

	delivery, err := loadDeliveryConfig(v)
	if err != nil {
		return nil, err
	}

	workers, err := parseInt(v, "dispatch.workers")
	if err != nil {
		return nil, err
	}
	if workers < 1 {
		workers = 1
	}

	topK, err := parseInt(v, "knowledge.top_k")
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:   server,
		AI:       ai,
		Session:  session,
		Delivery: delivery,
		Dispatch: DispatchConfig{Workers: workers},
		Slack: SlackConfig{
			BotToken: getString(v, "slack.bot_token"),
			AppToken: getString(v, "slack.app_token"),
		},
		Matrix: MatrixConfig{
			Homeserver:  getString(v, "matrix.homeserver"),
			UserID:      getString(v, "matrix.user_id"),
			AccessToken: getString(v, "matrix.access_token"),
			Rooms:       getList(v, "matrix.rooms"),
		},
		Knowledge: KnowledgeConfig{
			Dir:  getString(v, "knowledge.dir"),
			TopK: topK,
		},
		Log: LogConfig{
			Level:  strings.ToLower(getString(v, "log.level")),
			Format: strings.ToLower(getString(v, "log.format")),
		},
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("ai.base_url", "https://ark.cn-beijing.volces.com/api/v3")
	v.SetDefault("ai.region", "cn-beijing")
	v.SetDefault("ai.stream", true)
	v.SetDefault("ai.timeout", "60s")
	v.SetDefault("session.max_history", 20)
	v.SetDefault("session.ttl", "1h")
	v.SetDefault("session.sweep_interval", "0")
	v.SetDefault("delivery.max_fragment", 3000)
	v.SetDefault("delivery.error_reply", defaultErrorReply)
	v.SetDefault("dispatch.workers", 8)
	v.SetDefault("knowledge.top_k", 4)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig(v *viper.Viper) (ServerConfig, error) {
	port := getString(v, "server.port")
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

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, errors.New("ark credentials or model missing: set ARK_API_KEY (or ARK_ACCESS_KEY + ARK_SECRET_KEY) and ARK_MODEL")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig(v *viper.Viper) (AIConfig, error) {
	temperature, err := parseOptionalFloat(v, "ai.temperature")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloat(v, "ai.top_p")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalInt(v, "ai.max_tokens")
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBool(v, "ai.stream")
	if err != nil {
		return AIConfig{}, err
	}

	timeout, err := parseDuration(v, "ai.timeout")
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:            getString(v, "ai.api_key"),
		AccessKey:         getString(v, "ai.access_key"),
		SecretKey:         getString(v, "ai.secret_key"),
		Model:             getString(v, "ai.model"),
		BaseURL:           getString(v, "ai.base_url"),
		Region:            getString(v, "ai.region"),
		Temperature:       temperature,
		TopP:              topP,
		MaxTokens:         maxTokens,
		StreamResponse:    stream,
		Timeout:           timeout,
		SystemInstruction: getString(v, "ai.system_instruction"),
	}, nil
}

func loadSessionConfig(v *viper.Viper) (SessionConfig, error) {
	maxHistory, err := parseInt(v, "session.max_history")
	if err != nil {
		return SessionConfig{}, err
	}
	if maxHistory < 1 {
		return SessionConfig{}, fmt.Errorf("invalid session.max_history value %d: must be positive", maxHistory)
	}

	ttl, err := parseDuration(v, "session.ttl")
	if err != nil {
		return SessionConfig{}, err
	}
	if ttl <= 0 {
		return SessionConfig{}, fmt.Errorf("invalid session.ttl value %s: must be positive", ttl)
	}

	sweep, err := parseDuration(v, "session.sweep_interval")
	if err != nil {
		return SessionConfig{}, err
	}

	return SessionConfig{MaxHistory: maxHistory, TTL: ttl, SweepInterval: sweep}, nil
}

func loadDeliveryConfig(v *viper.Viper) (DeliveryConfig, error) {
	maxLen, err := parseInt(v, "delivery.max_fragment")
	if err != nil {
		return DeliveryConfig{}, err
	}
	if maxLen < 1 {
		return DeliveryConfig{}, fmt.Errorf("invalid delivery.max_fragment value %d: must be positive", maxLen)
	}

	return DeliveryConfig{
		MaxFragmentLen: maxLen,
		ErrorReply:     getString(v, "delivery.error_reply"),
	}, nil
}

func getString(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func getList(v *viper.Viper, key string) []string {
	var items []string
	for _, raw := range v.GetStringSlice(key) {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				items = append(items, part)
			}
		}
	}
	return items
}

func parseBool(v *viper.Viper, key string) (bool, error) {
	raw := getString(v, key)
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseInt(v *viper.Viper, key string) (int, error) {
	raw := getString(v, key)
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDuration accepts Go durations ("90s", "1h") or a bare number of seconds.
func parseDuration(v *viper.Viper, key string) (time.Duration, error) {
	raw := getString(v, key)
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return d, nil
}

func parseOptionalFloat(v *viper.Viper, key string) (*float64, error) {
	value := getString(v, key)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalInt(v *viper.Viper, key string) (*int, error) {
	value := getString(v, key)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
