package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"almacenpos/terminal/internal/apiclient"
	"almacenpos/terminal/internal/cart"
	"almacenpos/terminal/internal/checkout"
	"almacenpos/terminal/internal/config"
	"almacenpos/terminal/internal/directory"
	"almacenpos/terminal/internal/httpapi"
	"almacenpos/terminal/internal/salelog"
	"almacenpos/terminal/internal/service"
	"almacenpos/terminal/internal/state"
	pgstate "almacenpos/terminal/internal/state/postgres"
	sqlitestate "almacenpos/terminal/internal/state/sqlite"
)

func main() {
	config.LoadDotEnv()
	cfg := config.Load()

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging configuration: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal("invalid security configuration", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, closers, err := openStateStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("state store unavailable", zap.Error(err))
	}

	client := apiclient.New(cfg.APIBaseURL, cfg.APITimeout(), logger.Named("apiclient"))
	engine := cart.New(ctx, store, cfg.CartStateKey, logger.Named("cart"))
	svc := service.New(
		client,
		directory.New(nil),
		engine,
		checkout.New(client, engine, logger.Named("checkout")),
		salelog.New(client, cfg.SaleLogPage, logger.Named("salelog")),
		logger.Named("service"),
	)
	if err := svc.Start(ctx); err != nil {
		logger.Warn("shop API not reachable at startup, scans will query it on demand",
			zap.String("api_base_url", cfg.APIBaseURL), zap.Error(err))
	}

	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), cfg.OperatorPIN)
	api := httpapi.New(svc, auth, cfg.AllowedOrigin, logger.Named("httpapi"))

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.APITimeout() + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("terminal listening", zap.String("addr", cfg.Address()), zap.Int("cart_lines", engine.Len()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}

	logger.Info("terminal stopped")
}

func newLogger(level string, format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if format == "console" {
		cfg = zap.NewDevelopmentConfig()
	}
	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, err
		}
		cfg.Level = zap.NewAtomicLevelAt(parsed)
	}
	return cfg.Build()
}

// openStateStore picks the cart persistence backend. A configured postgres
// that cannot be reached stops the terminal; redis and sqlite failures fall
// back to an in-memory store.
func openStateStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (state.Store, []func() error, error) {
	closers := make([]func() error, 0, 1)

	switch cfg.StateBackend {
	case config.BackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("STATE_BACKEND=postgres requires DATABASE_URL")
		}
		pg, err := pgstate.New(ctx, cfg.DatabaseURL, cfg.TerminalID)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback: %w", err)
		}
		closers = append(closers, pg.Close)
		logger.Info("state: postgres", zap.String("terminal_id", cfg.TerminalID))
		return pg, closers, nil
	case config.BackendRedis:
		if cfg.RedisAddr == "" {
			logger.Warn("REDIS_ADDR not set, using in-memory state")
			return state.NewMemoryStore(), closers, nil
		}
		rs := state.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "almacenpos:"+cfg.TerminalID+":")
		if err := rs.Ping(ctx); err != nil {
			_ = rs.Close()
			logger.Warn("redis unavailable, using in-memory state", zap.Error(err))
			return state.NewMemoryStore(), closers, nil
		}
		closers = append(closers, rs.Close)
		logger.Info("state: redis", zap.String("addr", cfg.RedisAddr))
		return rs, closers, nil
	case config.BackendSQLite:
		sq, err := sqlitestate.Open(cfg.StatePath)
		if err != nil {
			logger.Warn("sqlite unavailable, using in-memory state", zap.String("path", cfg.StatePath), zap.Error(err))
			return state.NewMemoryStore(), closers, nil
		}
		closers = append(closers, sq.Close)
		logger.Info("state: sqlite", zap.String("path", cfg.StatePath))
		return sq, closers, nil
	case config.BackendMemory:
		logger.Info("state: in-memory")
		return state.NewMemoryStore(), closers, nil
	default:
		return nil, nil, fmt.Errorf("unknown STATE_BACKEND %q", cfg.StateBackend)
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.OperatorPIN) < 4 {
		return fmt.Errorf("OPERATOR_PIN must be set and at least 4 digits")
	}
	for _, r := range cfg.OperatorPIN {
		if r < '0' || r > '9' {
			return fmt.Errorf("OPERATOR_PIN must contain digits only")
		}
	}
	if err := validatePINStrength(cfg.OperatorPIN); err != nil {
		return fmt.Errorf("OPERATOR_PIN is too weak: %w", err)
	}
	return nil
}

// easyPINs are patterns people pick when told to choose a PIN.
var easyPINs = []string{"1212", "1122", "1313", "2580", "121212", "112233", "123123", "696969"}

// validatePINStrength expects a digits-only pin of at least two digits.
func validatePINStrength(pin string) error {
	switch {
	case slices.Contains(easyPINs, pin):
		return fmt.Errorf("PIN %s is on the list of easy PINs", pin)
	case steps(pin, 0):
		return fmt.Errorf("PIN repeats a single digit")
	case steps(pin, 1), steps(pin, -1):
		return fmt.Errorf("PIN is a run of consecutive digits")
	}
	return nil
}

// steps reports whether every digit of pin differs from the one before by d.
func steps(pin string, d int) bool {
	for i := 1; i < len(pin); i++ {
		if int(pin[i])-int(pin[i-1]) != d {
			return false
		}
	}
	return true
}
