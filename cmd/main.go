package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"safechat/backend/internal/analysis"
	"safechat/backend/internal/api/handler"
	"safechat/backend/internal/assignment"
	"safechat/backend/internal/booking"
	"safechat/backend/internal/chathub"
	"safechat/backend/internal/config"
	"safechat/backend/internal/escrow"
	"safechat/backend/internal/localization"
	"safechat/backend/internal/logger"
	"safechat/backend/internal/moderation"
	"safechat/backend/internal/storage"
	"safechat/backend/internal/telegram"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load(".")
	if err != nil {
		logger.New(nil).Fatal("failed to load config", zap.Error(err))
	}
	log := logger.New(cfg)
	defer log.Sync()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("service stopped", zap.Error(err))
	}
	log.Info("service stopped")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	// 1. Dependencies
	db, err := storage.OpenPostgres(cfg, log)
	if err != nil {
		return err
	}
	rdb, err := storage.OpenRedis(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer rdb.Close()

	store := storage.NewStorageService(db, rdb)
	if err := store.Migrate(); err != nil {
		return err
	}

	scorer, err := analysis.NewScorer(cfg.Moderation)
	if err != nil {
		return err
	}
	localizer, err := localization.NewLocalizer()
	if err != nil {
		return err
	}

	// 2. Services
	hub := chathub.NewManagerService(chathub.Options{
		Relay:         store,
		RelayPrefix:   cfg.Realtime.RelayChannel,
		ReorderWindow: cfg.Realtime.ReorderWindow,
		Logger:        log,
	})
	ledger := escrow.NewLedger(db, log, cfg.Tokens.Rate)
	assigner := assignment.NewService(db, log)
	bookings := booking.NewService(ledger, assigner, store, log)

	var (
		notifier moderation.Notifier
		bot      *telegram.Bot
	)
	if cfg.Telegram.BotToken != "" {
		api, err := telegram.NewBotAPI(cfg.Telegram.BotToken, log)
		if err != nil {
			return err
		}
		notifier = telegram.NewAlertNotifier(api, store, localizer, log)
		bot = telegram.NewBot(api, localizer, log)
	} else {
		log.Warn("TELEGRAM.BOT_TOKEN is not set, alerts go to live connections only")
	}

	mod := moderation.NewService(store, scorer, hub, assigner, notifier, log)
	auth := handler.NewAuthenticator(cfg.JWT.Secret, cfg.JWT.Issuer)
	h := handler.NewHandler(hub, mod, bookings, ledger, assigner, auth, log)

	server := &http.Server{
		Addr:           cfg.Server.Addr,
		Handler:        h.NewRouter(),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	// 3. Goroutines
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return hub.StartRelayListener(gctx)
	})
	if bot != nil {
		g.Go(func() error {
			return bot.Run(gctx)
		})
	}
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
