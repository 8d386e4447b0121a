package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	APIBaseURL            string
	APITimeoutSeconds     int
	SaleLogPage           int
	CartStateKey          string
	StateBackend          string
	StatePath             string
	TerminalID            string
	DatabaseURL           string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	AuthSecret            string
	AccessTokenTTLMinutes int
	OperatorPIN           string
	LogLevel              string
	LogFormat             string
}

// LoadDotEnv reads an optional .env file. Variables already set in the
// environment win over the file.
func LoadDotEnv(paths ...string) {
	_ = godotenv.Load(paths...)
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	timeout, err := strconv.Atoi(getEnv("API_TIMEOUT_SECONDS", "10"))
	if err != nil || timeout < 1 {
		timeout = 10
	}
	page, err := strconv.Atoi(getEnv("SALE_LOG_PAGE", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8090"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:5173"),
		APIBaseURL:            strings.TrimRight(getEnv("API_BASE_URL", "http://localhost:3000/api"), "/"),
		APITimeoutSeconds:     timeout,
		SaleLogPage:           page,
		CartStateKey:          getEnv("CART_STATE_KEY", "detail"),
		StateBackend:          strings.ToLower(strings.TrimSpace(getEnv("STATE_BACKEND", BackendSQLite))),
		StatePath:             getEnv("STATE_PATH", "terminal.db"),
		TerminalID:            getEnv("TERMINAL_ID", "terminal-1"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		OperatorPIN:           strings.TrimSpace(os.Getenv("OPERATOR_PIN")),
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:             strings.ToLower(getEnv("LOG_FORMAT", "json")),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) APITimeout() time.Duration {
	return time.Duration(c.APITimeoutSeconds) * time.Second
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
