package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"cipherchat/internal/blob"
	"cipherchat/internal/chat"
	"cipherchat/internal/config"
	"cipherchat/internal/db"
	"cipherchat/internal/identity"
	myMiddleware "cipherchat/internal/middleware"
	"cipherchat/internal/notify"
	"cipherchat/internal/presence"
	"cipherchat/internal/relay"
	"cipherchat/internal/signaling"
	"cipherchat/internal/store/sqlstore"
	"cipherchat/internal/user"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		addr    string
		envFile string
		migrate bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Encrypted chat and call-signaling relay",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			log, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, migrate, log)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "http service address (overrides ADDR)")
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "optional env file")
	cmd.Flags().BoolVar(&migrate, "migrate", true, "create tables on startup")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Dev {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func run(ctx context.Context, cfg *config.Config, migrate bool, log *zap.Logger) error {
	// 1. Database
	database, err := db.NewDatabase(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer database.Close()
	log.Info("connected to database", zap.String("driver", cfg.DBDriver))

	if migrate {
		if err := database.AutoMigrate(); err != nil {
			return err
		}
		log.Info("database schema initialized")
	}
	st := sqlstore.New(database)

	// 2. Presence, optionally cached in redis
	var (
		recorder presence.StatusRecorder = st
		status   presence.StatusReader   = st
	)
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return err
		}
		cache := presence.NewRedisCache(rdb, st)
		recorder = presence.Recorders{st, cache}
		status = cache
		log.Info("connected to redis", zap.String("addr", cfg.RedisAddr))
	}

	// 3. Attachments
	var blobs blob.Store
	if cfg.Minio.Enabled() {
		ms, err := blob.NewMinioStore(ctx, blob.Options{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		}, log)
		if err != nil {
			return err
		}
		blobs = ms
		log.Info("attachment storage ready", zap.String("endpoint", cfg.Minio.Endpoint))
	}

	// 4. Relays
	registry := presence.NewRegistry(recorder, log.Named("presence"))
	hub := chat.NewHub(registry, relay.New(st, log.Named("relay")), signaling.New(registry, log.Named("signaling")), st, log.Named("hub"))
	chatHandler := chat.NewHandler(hub, st, notify.NewDispatcher(registry, st, log.Named("notify")), blobs, log)
	userHandler := user.NewHandler(user.NewService(st, status), log)
	auth := myMiddleware.NewAuthMiddleware(identity.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer))

	// 5. Routes
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Conn.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(auth.Handle)
		r.Get("/ws", chatHandler.ServeWs)
		chatHandler.Routes(r)
		userHandler.Routes(r)
	})

	srv := &http.Server{Addr: cfg.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		log.Info("server starting", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
