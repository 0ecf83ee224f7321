package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

var DB *pgxpool.Pool

// ConnectDB opens the shared pool. The booking paths run short
// transactions under per-instance advisory locks, so the pool is sized by
// DB_MAX_CONNS rather than left at the pgx default; anything below 1
// falls back to 10.
func ConnectDB(dbUrl string, maxConns int32) error {
	config, err := pgxpool.ParseConfig(dbUrl)
	if err != nil {
		return fmt.Errorf("invalid DB_URL: %w", err)
	}

	if maxConns < 1 {
		maxConns = 10
	}
	config.MaxConns = maxConns
	config.MinConns = 2
	if config.MinConns > maxConns {
		config.MinConns = maxConns
	}
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	DB, err = pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return fmt.Errorf("unable to open booking database pool: %w", err)
	}

	if err := DB.Ping(context.Background()); err != nil {
		return fmt.Errorf("booking database unreachable: %w", err)
	}

	fmt.Printf("Connected to PostgreSQL (pool max %d)\n", maxConns)
	return nil
}

func CloseDB() {
	if DB != nil {
		DB.Close()
	}
}
