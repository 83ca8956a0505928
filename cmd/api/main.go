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

	"github.com/zhouzirui/helpdesk/backend/internal/config"
	"github.com/zhouzirui/helpdesk/backend/internal/handler"
	"github.com/zhouzirui/helpdesk/backend/internal/handler/gateway"
	"github.com/zhouzirui/helpdesk/backend/internal/middleware"
	"github.com/zhouzirui/helpdesk/backend/internal/model/user"
	"github.com/zhouzirui/helpdesk/backend/internal/service/auth"
	"github.com/zhouzirui/helpdesk/backend/internal/service/conversation"
	"github.com/zhouzirui/helpdesk/backend/internal/service/directory"
	"github.com/zhouzirui/helpdesk/backend/internal/service/relay"
	"github.com/zhouzirui/helpdesk/backend/internal/service/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	store, err := conversation.NewFileStore(cfg.Storage.ChatDir)
	if err != nil {
		log.Fatalf("failed to open chat log directory: %v", err)
	}
	defer store.Close()
	log.Printf("chat logs stored in %s", store.Dir())

	users, err := openDirectory(cfg.Storage)
	if err != nil {
		log.Fatalf("failed to open user directory: %v", err)
	}
	defer users.Close()

	tokens, err := auth.NewTokenIssuer([]byte(cfg.Auth.TokenSecret), cfg.Auth.TokenTTL)
	if err != nil {
		log.Fatalf("failed to initialize token issuer: %v", err)
	}
	if cfg.Auth.TokenSecret == "" {
		log.Println("warning: AUTH_TOKEN_SECRET not set, tokens will not survive a restart")
	}

	authService := auth.NewService(users, tokens)
	if err := authService.EnsureAdmin(ctx, cfg.Auth.AdminUsername, cfg.Auth.AdminPassword); err != nil {
		log.Fatalf("failed to seed admin account: %v", err)
	}
	if cfg.Auth.AdminPasswordDefaulted {
		log.Println("warning: ADMIN_PASSWORD not set, using the default admin password")
	}

	replyScope, err := relay.ParseReplyScope(cfg.Gateway.ReplyScope)
	if err != nil {
		log.Fatalf("invalid REPLY_SCOPE: %v", err)
	}

	registry := session.NewRegistry()
	engine := relay.NewEngine(store, registry, relay.Options{ReplyScope: replyScope})

	origins := middleware.NewOrigins(cfg.Gateway.AllowedOrigins)
	gw := gateway.New(engine, registry, tokens, gateway.Options{
		MaxMessageSize: cfg.Gateway.MaxMessageSize,
		MaxTextLength:  cfg.Gateway.MaxTextLength,
		SendBuffer:     cfg.Gateway.SendBuffer,
		RateBurst:      cfg.Gateway.RateBurst,
		RatePerSecond:  cfg.Gateway.RatePerSecond,
		PingInterval:   cfg.Gateway.PingInterval,
		CheckOrigin:    origins.CheckWebSocketOrigin,
	})

	router := handler.NewRouter(authService, store, gw, tokens, origins)

	startServer(ctx, cfg.Server, router)
}

func openDirectory(cfg config.StorageConfig) (user.Directory, error) {
	if cfg.UserDBPath == "" {
		log.Println("USER_DB_PATH 未配置，用户目录仅保存在内存中")
		return user.NewMemoryDirectory(), nil
	}
	d, err := directory.Open(cfg.UserDBPath)
	if err != nil {
		return nil, err
	}
	log.Printf("user directory opened at %s", cfg.UserDBPath)
	return d, nil
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("helpdesk relay listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Printf("server error: %v", err)
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
