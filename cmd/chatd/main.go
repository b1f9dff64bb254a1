package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/0xDorin/multisynq-chat/internal/broker"
	"github.com/0xDorin/multisynq-chat/internal/config"
	"github.com/0xDorin/multisynq-chat/internal/connector"
	"github.com/0xDorin/multisynq-chat/internal/logging"
	"github.com/0xDorin/multisynq-chat/internal/platform"
	"github.com/0xDorin/multisynq-chat/internal/room"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	roomID := flag.String("room", "", "Room identifier to join")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *roomID == "" {
		fmt.Fprintln(os.Stderr, "a room identifier is required (-room)")
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	var ready atomic.Bool
	adminSrv := startAdminServer(cfg.AdminAddress, logger, reg, &ready)

	client, err := platform.NewClient(platform.ClientConfig{
		Log:    logger.Named("platform"),
		URL:    cfg.PlatformURL,
		APIKey: cfg.APIKey,
		AppID:  cfg.AppID,
	})
	if err != nil {
		logger.Fatal("init reflector client", zap.Error(err))
	}

	limits := room.Limits{
		HistoryMax:        cfg.Room.HistoryMax,
		MaxPostLength:     cfg.Room.MaxPostLength,
		InactivityTimeout: cfg.Room.InactivityTimeout,
		CleanupInterval:   cfg.Room.CleanupInterval,
		RequireNickname:   cfg.Room.RequireNickname,
	}

	// Joining a room means opening the session and binding a fresh room
	// model to it, exactly as every other participant does.
	joiner := func(ctx context.Context, id string) (platform.Connection, error) {
		conn, err := client.Join(ctx, id)
		if err != nil {
			return nil, err
		}
		model := room.NewModel(room.Config{Log: logger.Named("room"), Limits: limits})
		if err := model.Attach(conn); err != nil {
			_ = conn.Leave()
			return nil, err
		}
		conn.BindModel(platform.WellKnownModel, model)
		return conn, nil
	}

	conn, err := connector.New(connector.Config{
		Log:     logger.Named("connector"),
		Join:    joiner,
		Metrics: connector.NewMetrics(reg),
	})
	if err != nil {
		logger.Fatal("init connector", zap.Error(err))
	}

	sessions, err := broker.New(broker.Config{
		Log:       logger.Named("broker"),
		Connector: conn,
		Metrics:   broker.NewMetrics(reg),
		Retry: connector.RetryOptions{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialTimeout: cfg.Retry.InitialTimeout,
			MaxTimeout:     cfg.Retry.MaxTimeout,
		},
	})
	if err != nil {
		logger.Fatal("init broker", zap.Error(err))
	}

	session, err := sessions.Acquire(ctx, *roomID)
	if err != nil {
		logger.Fatal("join room", zap.String("room", *roomID), zap.Error(err))
	}

	model, ok := room.ResolveModel(session)
	if !ok {
		logger.Fatal("room model missing from session", zap.String("room", *roomID))
	}

	chat, err := room.NewClient(room.ClientConfig{
		Log:   logger.Named("chat"),
		Conn:  session,
		Model: model,
		OnMessage: func(e room.Entry) {
			logger.Info("new message", zap.String("view_id", e.ViewID), zap.String("line", e.Line))
		},
		OnHistory: func(entries []room.Entry) {
			logger.Info("history replaced", zap.Int("entries", len(entries)))
		},
		OnViewInfo: func(nickname string, participants int) {
			logger.Info("participant info changed",
				zap.String("nickname", nickname), zap.Int("participants", participants))
		},
	})
	if err != nil {
		logger.Fatal("bind chat client", zap.Error(err))
	}

	ready.Store(true)
	logger.Info("chat node running",
		zap.String("room", *roomID),
		zap.String("view_id", chat.ViewID()),
		zap.String("status", string(sessions.ConnectionStatus(*roomID))))

	<-ctx.Done()
	ready.Store(false)

	chat.Close()
	sessions.Release(*roomID)
	model.Dispose(true)

	if adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
		defer cancel()
		if err := adminSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("admin server shutdown", zap.Error(err))
		}
	}
	logger.Info("chat node stopped")
}

func startAdminServer(address string, log *zap.Logger, reg *prometheus.Registry, ready *atomic.Bool) *http.Server {
	if address == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not_ready"))
	})

	srv := &http.Server{Addr: address, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("admin server stopped", zap.Error(err))
		}
	}()
	log.Info("admin server listening", zap.String("address", address))
	return srv
}
