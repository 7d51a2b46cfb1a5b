package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/extra/bundebug"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"

	"github.com/peercall-project/backend/internal/controllers"
	"github.com/peercall-project/backend/internal/database/migrations"
	"github.com/peercall-project/backend/internal/matchmaking"
	"github.com/peercall-project/backend/internal/profile"
	"github.com/peercall-project/backend/internal/router"
	"github.com/peercall-project/backend/internal/signaling"
)

func main() {
	ctx := context.Background()
	ctx, _ = signal.NotifyContext(ctx, os.Interrupt)

	app := &cli.App{
		Name: "peercall-api",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Value: false,
				EnvVars: []string{
					"PEERCALL_API_DEBUG",
				},
			},
			&cli.StringFlag{
				Name:  "http-listen-address",
				Value: "127.0.0.1:3011",
				EnvVars: []string{
					"PEERCALL_API_HTTP_LISTEN_ADDRESS",
				},
			},
			&cli.StringFlag{
				Name:     "postgres-uri",
				Required: true,
				EnvVars: []string{
					"PEERCALL_API_POSTGRES_URI",
				},
			},
			&cli.StringFlag{
				Name:  "redis-uri",
				Usage: "optional profile cache, e.g. redis://localhost:6379/0",
				EnvVars: []string{
					"PEERCALL_API_REDIS_URI",
				},
			},
			&cli.StringFlag{
				Name:  "session-secret",
				Usage: "base64-encoded paseto v4 private key for session cookies",
				EnvVars: []string{
					"PEERCALL_API_SESSION_SECRET",
				},
			},
			&cli.StringSliceFlag{
				Name: "allowed-origin",
				EnvVars: []string{
					"PEERCALL_API_ALLOWED_ORIGIN",
				},
			},
		},
		Before: func(cctx *cli.Context) (err error) {
			err = setupLogging(cctx.Bool("debug"))
			return
		},
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "manage the database schema",
				Subcommands: []*cli.Command{
					{Name: "up", Usage: "apply pending migrations", Action: migrateAction("up")},
					{Name: "down", Usage: "roll back the last migration", Action: migrateAction("down")},
					{Name: "status", Usage: "print migration status", Action: migrateAction("status")},
				},
			},
		},
		Action: entrypoint,
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		zap.L().Fatal("unhandled error", zap.Error(err))
	}
}

func setupLogging(debugMode bool) error {
	var cfg zap.Config

	if debugMode {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level.SetLevel(zapcore.DebugLevel)
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.Development = false
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level.SetLevel(zapcore.InfoLevel)
	}

	cfg.OutputPaths = []string{
		"stdout",
	}

	logger, err := cfg.Build()
	if err != nil {
		return err
	}

	zap.ReplaceGlobals(logger)

	return nil
}

func openDatabase(cctx *cli.Context) (db *bun.DB, err error) {
	var dbConfig *pgx.ConnConfig
	if dbConfig, err = pgx.ParseConfig(cctx.String("postgres-uri")); err != nil {
		err = fmt.Errorf("unable to parse postgres uri: %w", err)
		return
	}

	sqldb := stdlib.OpenDB(*dbConfig)
	db = bun.NewDB(sqldb, pgdialect.New())

	if cctx.Bool("debug") {
		var dbLogger io.WriteCloser = &zapio.Writer{Log: zap.L().With(zap.String("section", "bun")), Level: zapcore.DebugLevel}

		db.AddQueryHook(bundebug.NewQueryHook(
			bundebug.WithVerbose(true),
			bundebug.WithWriter(dbLogger),
		))
	}

	if _, err = db.ExecContext(cctx.Context, "SELECT 1"); err != nil {
		_ = db.Close()
		db = nil
		err = fmt.Errorf("failed to test database connection: %w", err)
		return
	}

	return
}

func migrateAction(command string) cli.ActionFunc {
	return func(cctx *cli.Context) (err error) {
		var db *bun.DB
		if db, err = openDatabase(cctx); err != nil {
			return
		}
		defer func() { _ = db.Close() }()

		return migrations.Run(db.DB, command)
	}
}

func entrypoint(cctx *cli.Context) (err error) {
	ctx := cctx.Context
	defer func() { _ = zap.L().Sync() }()

	var db *bun.DB
	if db, err = openDatabase(cctx); err != nil {
		return
	}
	defer func() { _ = db.Close() }()

	var cache *redis.Client
	if redisURI := cctx.String("redis-uri"); redisURI != "" {
		var opts *redis.Options
		if opts, err = redis.ParseURL(redisURI); err != nil {
			err = fmt.Errorf("unable to parse redis uri: %w", err)
			return
		}

		cache = redis.NewClient(opts)
		defer func() { _ = cache.Close() }()

		if err = cache.Ping(ctx).Err(); err != nil {
			err = fmt.Errorf("failed to connect to redis: %w", err)
			return
		}

		zap.L().Info("profile cache enabled")
	}

	profiles := profile.NewService(db, cache)
	relay := signaling.NewService(db)
	matcher := matchmaking.NewService(db, profiles, relay)

	allowedOrigins := cctx.StringSlice("allowed-origin")
	origins := mapset.NewSet()
	for _, origin := range allowedOrigins {
		origins.Add(origin)
	}

	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(404)
	})

	sessions := &controllers.SessionController{
		SessionSecret: cctx.String("session-secret"),
	}
	r.Use(sessions.Middleware)

	if cctx.Bool("debug") {
		router.RegisterAll(r, &controllers.GoDebugController{})
	}
	router.RegisterAll(r,
		sessions,
		&controllers.HealthController{DB: db},
		&controllers.MatchController{Matchmaking: matcher},
		&controllers.SignalingController{Relay: relay},
		&controllers.StreamController{
			Matchmaking:    matcher,
			Relay:          relay,
			AllowedOrigins: origins,
		},
	)

	var handler http.Handler = handlers.RecoveryHandler()(r)
	if len(allowedOrigins) > 0 {
		handler = handlers.CORS(
			handlers.AllowedOrigins(allowedOrigins),
			handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
			handlers.AllowedHeaders([]string{"Content-Type"}),
			handlers.AllowCredentials(),
		)(handler)
	}
	if cctx.Bool("debug") {
		accessLog := &zapio.Writer{Log: zap.L().With(zap.String("section", "http")), Level: zapcore.DebugLevel}
		defer func() { _ = accessLog.Close() }()

		handler = handlers.CombinedLoggingHandler(accessLog, handler)
	}

	srv := &http.Server{
		Addr:         cctx.String("http-listen-address"),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	serverDone := make(chan interface{})
	go func() {
		zap.L().Info("serving requests", zap.String("addr", "http://"+srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.L().Error("failed to listen for http requests", zap.Error(err))
		}
		close(serverDone)
	}()

	select {
	case <-serverDone:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}

	return
}
