package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	apiPkg "github.com/feedgate-io/feedgate/internal/api"
	"github.com/feedgate-io/feedgate/internal/config"
	slackconn "github.com/feedgate-io/feedgate/internal/connector/slack"
	"github.com/feedgate-io/feedgate/internal/connector/telegram"
	"github.com/feedgate-io/feedgate/internal/digest"
	"github.com/feedgate-io/feedgate/internal/dispatch"
	"github.com/feedgate-io/feedgate/internal/hmacsig"
	"github.com/feedgate-io/feedgate/internal/logbuf"
	"github.com/feedgate-io/feedgate/internal/ratelimit"
	"github.com/feedgate-io/feedgate/internal/session"
	"github.com/feedgate-io/feedgate/internal/ticket"
	"github.com/feedgate-io/feedgate/pkg/protocol"
)

func main() {
	configPath := flag.String("config", "", "Path to config JSON file (default: environment)")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("feedgated starting", "endpoint", cfg.Site.Endpoint)

	// 1. Ticket store, allocator, limiter, authenticator
	os.MkdirAll(cfg.DataDir, 0o755)
	store, err := ticket.NewSQLiteStore(filepath.Join(cfg.DataDir, "tickets.db"))
	if err != nil {
		logger.Error("failed to open ticket store", "error", err)
		os.Exit(1)
	}

	allocator := ticket.NewAllocator(store)
	limiter := ratelimit.New(cfg.Limits.MaxRequests, cfg.Limits.Window())
	auth := hmacsig.New(cfg.Site.SigningSecret, logger.With("component", "hmacsig"))

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Session client and dispatcher reference each other, so the inbound
	// handler closes over the dispatcher variable.
	var d *dispatch.Dispatcher
	sess := session.New(session.Config{
		Endpoint:          cfg.Site.Endpoint,
		AccessToken:       cfg.Site.AccessToken,
		HeartbeatInterval: cfg.Site.HeartbeatInterval(),
		BaseBackoff:       cfg.Site.BaseBackoff(),
		MaxBackoff:        cfg.Site.MaxBackoff(),
	}, auth, func(env *protocol.Envelope) { d.OnInbound(env) }, logger.With("component", "session"))

	d = dispatch.New(limiter, allocator, store, sess, logger.With("component", "dispatch"))
	sess.OnReady = d.FlushQueue

	go safeGo(logger, "session", func() { sess.Run(ctx) })

	// 3. Telegram front end
	tgConn, err := telegram.New(telegram.Config{
		Token:     cfg.Telegram.Token,
		GroupID:   cfg.Telegram.GroupID,
		AllowFrom: cfg.Telegram.AllowFrom,
	}, d, logger.With("connector", "telegram"))
	if err != nil {
		logger.Error("failed to init telegram connector", "error", err)
		os.Exit(1)
	}
	d.SetNotifier(tgConn)

	go safeGo(logger, "telegram", func() { tgConn.Start(ctx) })

	// 4. Optional Slack front end
	if cfg.Slack != nil {
		slConn, err := slackconn.New(slackconn.Config{
			BotToken: cfg.Slack.BotToken,
			AppToken: cfg.Slack.AppToken,
		}, d, logger.With("connector", "slack"))
		if err != nil {
			logger.Error("failed to init slack connector", "error", err)
			os.Exit(1)
		}
		go safeGo(logger, "slack", func() { slConn.Start(ctx) })
	}

	// 5. Stats digest
	dg, err := digest.New(cfg.Digest.Schedule, store, tgConn.PostText, logger.With("component", "digest"))
	if err != nil {
		logger.Error("failed to init digest", "error", err)
		os.Exit(1)
	}
	go safeGo(logger, "digest", func() { dg.Start(ctx) })

	// 6. Admin API server
	apiSvc := &serviceAdapter{store: store, sess: sess, disp: d}
	apiSrv := apiPkg.NewServer(apiSvc, apiPkg.Config{
		Host: cfg.API.Host,
		Port: cfg.API.Port,
		Key:  cfg.API.Key,
	}, logger.With("component", "api"), logBuf)

	go safeGo(logger, "api-server", func() { apiSrv.Start(ctx) })
	logger.Info("api server started", "port", cfg.API.Port)

	// 7. Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()
	logger.Info("feedgated stopped")
}

// safeGo runs fn with panic recovery.
func safeGo(logger *slog.Logger, name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("goroutine panicked", "name", name, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn()
}

// serviceAdapter implements api.Service over the store, session and
// dispatcher.
type serviceAdapter struct {
	store ticket.Store
	sess  *session.Client
	disp  *dispatch.Dispatcher
}

func (s *serviceAdapter) ListTickets(filter ticket.Filter) ([]*protocol.Ticket, error) {
	return s.store.List(filter)
}

func (s *serviceAdapter) GetTicket(id string) (*protocol.Ticket, error) {
	return s.store.Get(id)
}

func (s *serviceAdapter) Stats() (map[protocol.Origin]uint64, error) {
	return s.store.Stats()
}

func (s *serviceAdapter) SessionState() session.State {
	return s.sess.State()
}

func (s *serviceAdapter) QueueDepth() int {
	return s.disp.QueueDepth()
}
