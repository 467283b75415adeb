package cli

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"quiz-session-service/internal/app"
	"quiz-session-service/internal/config"
	"quiz-session-service/internal/domain"
	"quiz-session-service/internal/infra/memory"
	"quiz-session-service/internal/infra/postgres"
	"quiz-session-service/internal/infra/rabbitmq"
	redisstore "quiz-session-service/internal/infra/redis"
	"quiz-session-service/internal/logging"
	transport "quiz-session-service/internal/transport/http"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"go.uber.org/zap"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz session server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// backends holds the adapters chosen from config and how to release them.
type backends struct {
	store   app.SessionStore
	quizzes app.QuizSource
	answers app.AnswerKeyResolver
	reports app.ReportRepository
	closers []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
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

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.close()

	hub := transport.NewHub(log)
	var notify app.Broadcaster = hub
	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	if cfg.RabbitMQ.URL != "" {
		exchange := cfg.RabbitMQ.Exchange
		if exchange == "" {
			exchange = "quiz.events"
		}
		mq, err := rabbitmq.Dial(cfg.RabbitMQ.URL, exchange, uuid.NewString(), log)
		if err != nil {
			return err
		}
		defer mq.Close()
		notify = app.FanOut{hub, mq}
		go func() {
			if err := mq.Relay(relayCtx, hub); err != nil {
				log.Error("event relay stopped", zap.Error(err))
			}
		}()
	}

	rooms := app.NewRoomService(b.store, b.answers, b.reports, notify, log.Named("rooms"), app.RoomConfig{
		Duration:        config.TTLDuration(cfg.Room.Duration, 30*time.Minute),
		Grace:           config.TTLDuration(cfg.Room.Grace, time.Hour),
		FinalizeLockTTL: config.TTLDuration(cfg.Room.FinalizeLockTTL, 30*time.Second),
		FinalizeWait:    config.TTLDuration(cfg.Room.FinalizeWait, 5*time.Second),
		ClosedTTL:       config.TTLDuration(cfg.Room.ClosedTTL, 24*time.Hour),
		NotifyTimeout:   config.TTLDuration(cfg.Room.NotifyTimeout, 5*time.Second),
	})
	attempts := app.NewAttemptService(b.store, b.quizzes, b.reports, log.Named("attempts"), app.AttemptConfig{
		TTL:           config.TTLDuration(cfg.Attempt.TTL, 24*time.Hour),
		FinishLockTTL: config.TTLDuration(cfg.Attempt.FinishLockTTL, 30*time.Second),
	})

	router := transport.NewRouter(
		transport.NewAPI(rooms, attempts, log.Named("http")),
		transport.NewWSHandler(rooms, hub, log.Named("ws")),
		log.Named("http"),
	)
	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting quiz session service", zap.String("port", finalPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info("shutting down server")
	case <-ctx.Done():
		log.Info("context canceled, shutting down server")
	case err := <-serveErr:
		log.Error("server failed", zap.Error(err))
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.TTLDuration(cfg.Server.ShutdownTimeout, 5*time.Second))
	defer cancel()
	err = server.Shutdown(shutdownCtx)
	hub.Close()
	rooms.Wait()
	stopRelay()
	return err
}

// openBackends picks Redis or the in-memory store for ephemeral state and
// Postgres or in-memory repositories for durable state.
func openBackends(ctx context.Context, cfg config.Config, log *zap.Logger) (*backends, error) {
	b := &backends{}
	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)

	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		b.quizzes = postgres.NewQuizLoader(pool)

		sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(cfg.Postgres.URL)))
		db := bun.NewDB(sqldb, pgdialect.New())
		b.closers = append(b.closers, func() { db.Close() })
		b.reports = postgres.NewReportRepository(db)
	} else {
		log.Warn("postgres not configured, using in-memory quizzes and reports")
		b.quizzes = memory.NewStaticQuizLoader(sampleQuizzes())
		b.reports = memory.NewReportRepository()
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			b.close()
			return nil, domain.StoreError("connect redis", err)
		}
		b.closers = append(b.closers, func() { client.Close() })
		b.store = redisstore.NewSessionStore(client)
		b.answers = redisstore.NewAnswerKeyCache(client, b.quizzes, quizTTL)
	} else {
		log.Warn("redis not configured, using in-memory session store")
		b.store = memory.NewSessionStore()
		b.answers = memory.NewAnswerKeyCache(b.quizzes, quizTTL)
	}
	return b, nil
}

// sampleQuizzes provides a minimal quiz for running without Postgres.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:              "quiz-1",
			DurationSeconds: 600,
			Questions: []domain.Question{
				{
					ID:     "q1",
					Prompt: "What is 2 + 2?",
					Options: []domain.Option{
						{ID: "o1", Text: "3", Correct: false},
						{ID: "o2", Text: "4", Correct: true},
						{ID: "o3", Text: "5", Correct: false},
					},
					Points: 1,
				},
				{
					ID:     "q2",
					Prompt: "Which planet is known as the red planet?",
					Options: []domain.Option{
						{ID: "o4", Text: "Mars", Correct: true},
						{ID: "o5", Text: "Venus", Correct: false},
					},
					Points: 2,
				},
			},
		},
	}
}
