// Command demo boots a docqueue client against a real Postgres store,
// registers a two-stage signup pipeline and runs one workflow through it.
// It is the end-to-end smoke test for a provisioned database.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/queueworks/docqueue"
	"github.com/queueworks/docqueue/store"
	"github.com/queueworks/docqueue/store/postgres"
	"github.com/queueworks/docqueue/worker"
	"github.com/queueworks/docqueue/workflow"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	// ---- configuration ----
	pgString := os.Getenv("PGSTRING")
	if pgString == "" {
		logger.Fatal("PGSTRING is required")
	}
	migrations := getEnv("MIGRATIONS_URL", "")
	timeout := getDuration("DEMO_TIMEOUT", 30*time.Second)

	if migrations != "" {
		if err := postgres.Migrate(pgString, migrations); err != nil {
			logger.Fatal("failed to run migrations", zap.Error(err))
		}
		logger.Info("database migrations applied")
	}

	// ---- client ----
	client, err := docqueue.New(docqueue.Settings{
		ConnectionString: pgString,
		PoolMaxConns:     int32(getInt("DB_MAX_CONNS", 10)),
		PoolMinConns:     int32(getInt("DB_MIN_CONNS", 2)),
		Logger:           logger,
		Queues: []docqueue.QueueConfig{
			{
				Name:                "signup",
				EnableNotifications: true,
				WorkerHandler:       checkUsername,
			},
			{
				Name:                "store",
				EnableNotifications: true,
				WorkerHandler:       persistUser,
			},
		},
	})
	if err != nil {
		logger.Fatal("failed to build client", zap.Error(err))
	}

	ctx := context.Background()
	if err := client.Boot(ctx); err != nil {
		logger.Fatal("failed to boot client", zap.Error(err))
	}
	logger.Info("client booted")

	// ---- run one workflow ----
	go func() {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		wf, err := client.CreateWorkflow(workflow.Spec{
			Queue:   "signup",
			Payload: store.Payload{"username": "marcopeg"},
			Timeout: timeout,
		})
		if err != nil {
			logger.Error("failed to create workflow", zap.Error(err))
			return
		}

		result, err := wf.Run(runCtx)
		if err != nil {
			logger.Error("workflow rejected", zap.Error(err))
			return
		}
		logger.Info("workflow resolved", zap.Any("result", result))
	}()

	// ---- graceful shutdown ----
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(ctx, getDuration("SHUTDOWN_TIMEOUT", 30*time.Second))
	defer cancel()
	if err := client.End(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Error("client shutdown error", zap.Error(err))
	}

	logger.Info("client stopped cleanly")
}

// checkUsername validates the signup request and forwards it to the
// persistence stage, or rejects the whole pipeline.
func checkUsername(ctx context.Context, doc *worker.Document) (worker.Action, error) {
	username, _ := doc.Payload["username"].(string)
	wf := doc.Workflow()

	if len(username) < 5 {
		if wf != nil {
			return wf.Reject(ctx, errors.New("username is too short"))
		}
		return worker.Kill("username is too short"), nil
	}

	if wf != nil {
		return wf.Forward(ctx, "store", store.Payload{"validated": true})
	}
	return worker.Complete(), nil
}

// persistUser is the terminal stage: it settles the pipeline with the
// stored user.
func persistUser(ctx context.Context, doc *worker.Document) (worker.Action, error) {
	if wf := doc.Workflow(); wf != nil {
		return wf.Resolve(ctx, store.Payload{
			"username": doc.Payload["username"],
			"stored":   true,
		})
	}
	return worker.Complete(), nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
