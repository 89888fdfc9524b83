package cli

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"quiz-arena-gateway/internal/app"
	"quiz-arena-gateway/internal/config"
	"quiz-arena-gateway/internal/infra/backend"
	"quiz-arena-gateway/internal/infra/memory"
	pgjournal "quiz-arena-gateway/internal/infra/postgres"
	redisinfra "quiz-arena-gateway/internal/infra/redis"
	transport "quiz-arena-gateway/internal/transport/http"
)

// NewServeCmd builds the CLI subcommand to start the gateway.
func NewServeCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the attempt gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	client := backend.NewClient(cfg.Backend.BaseURL, cfg.Backend.Token, nil)

	quizTTL := config.Duration(cfg.Quiz.TTL, 10*time.Minute)
	var quizzes transport.QuizSource
	if redisClient != nil {
		quizzes = redisinfra.NewQuizCache(redisClient, client, quizTTL)
	} else {
		quizzes = memory.NewQuizCache(client, quizTTL)
	}

	var markers app.AttemptMarkerStore
	if redisClient != nil {
		markers = redisinfra.NewMarkerStore(redisClient, config.Duration(cfg.Redis.TTL, 0))
	} else {
		markers = memory.NewMarkerStore()
	}

	var journal app.AttemptJournal
	if pool != nil {
		journal = pgjournal.NewAttemptJournal(pool)
	} else {
		journal = memory.NewJournal()
	}

	attemptCfg := app.DefaultAttemptConfig()
	if cfg.Quiz.DefaultQuestionSeconds > 0 {
		attemptCfg.QuestionSeconds = cfg.Quiz.DefaultQuestionSeconds
	}
	if cfg.Proctor.ViolationLimit > 0 {
		attemptCfg.ViolationLimit = cfg.Proctor.ViolationLimit
	}
	attemptCfg.ViolationCooldown = config.Duration(cfg.Proctor.Cooldown, attemptCfg.ViolationCooldown)

	attempts := transport.NewAttemptHandler(quizzes, client, markers, journal, attemptCfg, logger)
	boards := transport.NewLeaderboardHandler(client, config.Duration(cfg.Leaderboard.PollInterval, 3*time.Second), logger)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      transport.NewRouter(attempts, boards),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("starting attempt gateway", "port", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("failed to start server", "err", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		logger.Info("shutting down server")
	case <-ctx.Done():
		logger.Info("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
