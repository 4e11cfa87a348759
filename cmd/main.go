package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/api"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/attachment"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/composer"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/config"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/conn"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/conversation"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/credentials"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/handler"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/view"
	pkglog "github.com/weiawesome/wes-io-live/messenger-client/pkg/log"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/middleware"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/storage"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load config")
	}

	// Initialize structured logger
	logCfg := cfg.Log
	logCfg.Pretty = logCfg.Pretty || logCfg.Level == "debug"
	pkglog.Init(logCfg)
	logger := pkglog.L()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Credential store
	creds, err := credentials.New(ctx, cfg.Credentials, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open credential store")
	}
	defer creds.Close()

	// REST client
	client := api.New(cfg.API, creds, logger)

	// "login <username> <password>" stores a token and exits.
	if len(os.Args) > 1 && os.Args[1] == "login" {
		if len(os.Args) != 4 {
			fmt.Fprintln(os.Stderr, "usage: messenger-client login <username> <password>")
			os.Exit(2)
		}
		token, err := client.Login(ctx, os.Args[2], os.Args[3])
		if err != nil {
			logger.Fatal().Err(err).Msg("login failed")
		}
		if err := creds.Set(ctx, token); err != nil {
			logger.Fatal().Err(err).Msg("failed to store token")
		}
		logger.Info().Str(pkglog.FieldUserID, creds.Subject(ctx)).Msg("logged in")
		return
	}

	if err := creds.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to watch credential changes")
	}

	// Live channel
	wsURL := cfg.API.WSURL
	if wsURL == "" {
		wsURL = conn.DeriveWSURL(cfg.API.BaseURL)
	}
	sessions := conn.NewManager(wsURL, cfg.WebSocket, nil, logger)

	// Attachment cache
	store, err := storage.New(ctx, cfg.Attachments.Driver, cfg.Attachments.Local, cfg.Attachments.S3)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open attachment storage")
	}
	if local, ok := store.(*storage.LocalStorage); ok {
		logger.Info().Str("path", local.BasePath()).Msg("attachment cache ready")
	}
	attachmentBase := cfg.Attachments.BaseURL
	if attachmentBase == "" {
		attachmentBase = cfg.API.BaseURL
	}
	downloader := attachment.NewDownloader(attachmentBase, client.HTTPClient(), creds, store, logger)

	// Conversation views
	registry := view.NewRegistry(view.Deps{
		Sessions:    sessions,
		API:         client,
		Tokens:      creds,
		Composer:    cfg.Composer,
		PageSize:    cfg.API.PageSize,
		EventBuffer: cfg.WebSocket.EventBuffer,
		Logger:      logger,
	})
	defer registry.CloseAll()
	stopFollow := registry.Follow(creds)
	defer stopFollow()

	// "send <conversation_id> <text> [file...]" sends one message and exits.
	if len(os.Args) > 1 && os.Args[1] == "send" {
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: messenger-client send <conversation_id> <text> [file...]")
			os.Exit(2)
		}
		if err := sendOnce(ctx, registry, os.Args[2], os.Args[3], os.Args[4:]); err != nil {
			logger.Fatal().Err(err).Msg("send failed")
		}
		return
	}

	// Conversation list cache
	listCache, err := conversation.NewListCache(ctx, cfg.Directory)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open conversation cache")
	}
	defer listCache.Close()
	directory := conversation.NewDirectory(client, listCache, cfg.Directory.TTL, logger)

	// Initialize HTTP handler
	httpHandler := handler.NewHandler(registry, directory, downloader, client, creds, middleware.NewAuthMiddleware(creds))

	// Setup Gin router
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(pkglog.GinMiddleware(logger))

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Register routes
	httpHandler.RegisterRoutes(r)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("addr", addr).
			Str("api", cfg.API.BaseURL).
			Str("ws", wsURL).
			Str("credentials", cfg.Credentials.Driver).
			Str("attachments", cfg.Attachments.Driver).
			Str("directory", cfg.Directory.Driver).
			Msg("messenger-client starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("messenger-client stopped")
}

func sendOnce(ctx context.Context, registry *view.Registry, conversationID, text string, paths []string) error {
	files := make([]domain.Upload, 0, len(paths))
	for _, p := range paths {
		f, err := composer.FileFromPath(p)
		if err != nil {
			return err
		}
		files = append(files, f)
	}

	v, err := registry.Mount(ctx, conversationID)
	if err != nil {
		return err
	}
	defer registry.Unmount(conversationID)

	m, rejected, err := v.Send(ctx, text, files)
	for _, r := range rejected {
		fmt.Fprintln(os.Stderr, r.Message)
	}
	if err != nil {
		return err
	}
	fmt.Println(m.ID)
	return nil
}
