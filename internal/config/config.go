package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Auth    AuthConfig
	Gateway GatewayConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	storage := loadStorageConfig()

	auth, err := loadAuthConfig()
	if err != nil {
		return nil, err
	}

	gateway, err := loadGatewayConfig()
	if err != nil {
		return nil, err
	}

	return &Config{Server: server, Storage: storage, Auth: auth, Gateway: gateway}, nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "3000"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":3000" 或 "127.0.0.1:3000"。
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// StorageConfig 描述会话日志与用户目录的存储位置。
type StorageConfig struct {
	ChatDir    string
	UserDBPath string
}

func loadStorageConfig() StorageConfig {
	return StorageConfig{
		ChatDir:    getEnvOrDefault("CHAT_DIR", "chat_logs"),
		UserDBPath: strings.TrimSpace(os.Getenv("USER_DB_PATH")),
	}
}

// AuthConfig 描述登录令牌与默认管理员账号。
type AuthConfig struct {
	TokenSecret   string
	TokenTTL      time.Duration
	AdminUsername string
	AdminPassword string
	// AdminPasswordDefaulted 为 true 表示使用了内置默认密码。
	AdminPasswordDefaulted bool
}

func loadAuthConfig() (AuthConfig, error) {
	ttl, err := parseDurationEnv("AUTH_TOKEN_TTL", 12*time.Hour)
	if err != nil {
		return AuthConfig{}, err
	}

	password := os.Getenv("ADMIN_PASSWORD")
	defaulted := password == ""
	if defaulted {
		password = "admin123"
	}

	return AuthConfig{
		TokenSecret:            strings.TrimSpace(os.Getenv("AUTH_TOKEN_SECRET")),
		TokenTTL:               ttl,
		AdminUsername:          getEnvOrDefault("ADMIN_USERNAME", "admin"),
		AdminPassword:          password,
		AdminPasswordDefaulted: defaulted,
	}, nil
}

// GatewayConfig 描述实时连接网关的限制与广播策略。
type GatewayConfig struct {
	AllowedOrigins []string
	MaxMessageSize int64
	MaxTextLength  int
	SendBuffer     int
	RateBurst      int
	RatePerSecond  float64
	PingInterval   time.Duration
	ReplyScope     string
}

func loadGatewayConfig() (GatewayConfig, error) {
	maxMessageSize, err := parseIntEnv("MAX_MESSAGE_SIZE", 8192)
	if err != nil {
		return GatewayConfig{}, err
	}

	maxText, err := parseIntEnv("MAX_TEXT_LENGTH", 4000)
	if err != nil {
		return GatewayConfig{}, err
	}

	sendBuffer, err := parseIntEnv("SEND_BUFFER", 256)
	if err != nil {
		return GatewayConfig{}, err
	}

	burst, err := parseIntEnv("RATE_LIMIT_BURST", 5)
	if err != nil {
		return GatewayConfig{}, err
	}

	perSecond := 1.0
	if override, err := parseOptionalFloatEnv("RATE_LIMIT_PER_SECOND"); err != nil {
		return GatewayConfig{}, err
	} else if override != nil {
		perSecond = *override
	}

	ping, err := parseDurationEnv("PING_INTERVAL", 54*time.Second)
	if err != nil {
		return GatewayConfig{}, err
	}

	return GatewayConfig{
		AllowedOrigins: parseList(os.Getenv("ALLOWED_ORIGINS")),
		MaxMessageSize: int64(maxMessageSize),
		MaxTextLength:  maxText,
		SendBuffer:     sendBuffer,
		RateBurst:      burst,
		RatePerSecond:  perSecond,
		PingInterval:   ping,
		ReplyScope:     getEnvOrDefault("REPLY_SCOPE", "participants"),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	if *val <= 0 {
		return 0, fmt.Errorf("invalid %s value %d: must be positive", key, *val)
	}
	return *val, nil
}

func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val <= 0 {
		return 0, fmt.Errorf("invalid %s value %q: must be positive", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
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
