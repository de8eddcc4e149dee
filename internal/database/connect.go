package database

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"callorchestrator-backend/pkg/config"
	"callorchestrator-backend/pkg/logger"
	"callorchestrator-backend/pkg/resilience"
)

// ConnectPolicy is the backoff used while CockroachDB comes up
func ConnectPolicy() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

// Connect opens the CockroachDB pool, retrying with policy until it answers
func Connect(ctx context.Context, cfg config.DatabaseConfig, policy resilience.RetryPolicy) (*DB, error) {
	return connect(ctx, policy, func(ctx context.Context) (*DB, error) {
		return NewDB(ctx, cfg)
	})
}

func connect(ctx context.Context, policy resilience.RetryPolicy, dial func(ctx context.Context) (*DB, error)) (*DB, error) {
	var db *DB
	err := resilience.Retry(ctx, policy, "cockroach_connect", func(ctx context.Context, attempt int) error {
		conn, err := dial(ctx)
		if err != nil {
			return err
		}
		db = conn
		logger.Info("Connected to CockroachDB", zap.Int("attempt", attempt))
		return nil
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CockroachDB: %w", err)
	}
	return db, nil
}
