package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/4xmen/hamkar/internal/auth"
	"github.com/4xmen/hamkar/internal/chat"
	"github.com/4xmen/hamkar/internal/db"
	"github.com/4xmen/hamkar/internal/handlers"
	"github.com/4xmen/hamkar/internal/push"
	"github.com/4xmen/hamkar/internal/repository"
	"github.com/4xmen/hamkar/internal/storage"
	"github.com/4xmen/hamkar/internal/ws"
	"github.com/4xmen/hamkar/pkg/config"
	"github.com/4xmen/hamkar/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()

	if len(os.Args) > 1 {
		if err := runCommand(cfg, os.Args[1:]); err != nil {
			fmt.Fprintf(os.Stderr, "hamkar: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "hamkar: failed to start server: %v\n", err)
		os.Exit(1)
	}
}

func runCommand(cfg *config.Config, args []string) error {
	command := args[0]

	switch command {
	case "serve":
		return runServer(cfg)
	case "status":
		return runStatus(cfg, os.Stdout, args[1:])
	case "token":
		return runToken(cfg, os.Stdout, args[1:])
	case "repair":
		return runRepair(cfg, os.Stdout, args[1:])
	case "-h", "--help", "help":
		printUsage(os.Stdout)
		return nil
	default:
		printUsage(os.Stderr)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintln(out, "  hamkar                                   Start the chat server")
	fmt.Fprintln(out, "  hamkar serve                             Start the chat server")
	fmt.Fprintln(out, "  hamkar status [--json]                   Show chat statistics")
	fmt.Fprintln(out, "  hamkar token --user ID [--role ROLE]     Issue an access token")
	fmt.Fprintln(out, "  hamkar repair session-summaries [--dry-run] [--database PATH]")
	fmt.Fprintln(out, "  hamkar repair orphan-files [--dry-run] [--database PATH] [--storage PATH]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Stop the server before running repair commands.")
}

func runServer(cfg *config.Config) error {
	log, err := logger.New(cfg.Environment)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer log.Sync()

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("failed to create database dir: %w", err)
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	store, err := storage.NewDiskStore(cfg.FileStoragePath, cfg.MaxUploadSize)
	if err != nil {
		return err
	}

	limits := repository.Limits{
		MaxAttachments: cfg.MaxAttachments,
		MaxFileSize:    cfg.MaxUploadSize,
		MaxPageSize:    cfg.PageSize,
	}
	sessions := repository.NewSessionRegistry(database.GetConn())
	messages := repository.NewMessageRepository(database.GetConn(), store, limits, log)

	hub := ws.NewHub(log, cfg.TypingTimeout)
	hub.SetAllowedOrigins(cfg.AllowedOrigins())

	chatSvc := chat.NewService(sessions, messages, hub, log)
	hub.SetChatService(chatSvc)

	notifier := push.NewNotifier(database.GetConn(), cfg.VAPIDPublicKey, cfg.VAPIDPrivateKey, log)
	if notifier != nil {
		chatSvc.SetNotifier(notifier)
	} else {
		log.Info("push notifications disabled, VAPID keys not configured")
	}

	authSvc := auth.New(cfg.JWTSecret)
	authHandler := handlers.NewAuthHandler(authSvc)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := handlers.NewRouter(handlers.RouterConfig{
		Auth:               authHandler,
		Chat:               handlers.NewChatHandler(chatSvc, log, cfg.MaxUploadSize, cfg.MaxAttachments, cfg.PageSize),
		Push:               handlers.NewPushHandler(notifier, log),
		WebSocket:          hub.HandleWebSocket,
		SendLimiter:        limiter.New(memory.NewStore(), limiter.Rate{Period: time.Minute, Limit: cfg.SendRateLimit}),
		Origins:            cfg.AllowedOrigins(),
		MaxMultipartMemory: cfg.MaxUploadSize,
		Log:                log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(hubDone)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr), zap.String("environment", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		stop()
		<-hubDone
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down gracefully")
	<-hubDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}
