//go:build integration

// Package containers starts the backing services integration tests run
// against.
package containers

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	postgresImage = "postgres:16-alpine"
	testDatabase  = "guard_test"
	testUser      = "guard"
	testPassword  = "guard"
)

// PostgresContainer wraps the testcontainers postgres module.
type PostgresContainer struct {
	*postgres.PostgresContainer
	ConnectionString string
}

// StartPostgres runs a throwaway PostgreSQL and terminates it when the test
// finishes.
func StartPostgres(t *testing.T) *PostgresContainer {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		postgresImage,
		postgres.WithDatabase(testDatabase),
		postgres.WithUsername(testUser),
		postgres.WithPassword(testPassword),
		testcontainers.WithWaitStrategy(
			wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
				return postgresURL(host, port.Port())
			}).WithStartupTimeout(60*time.Second),
		),
	)
	testcontainers.CleanupContainer(t, pgContainer)
	require.NoError(t, err, "failed to start postgres container")

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	return &PostgresContainer{
		PostgresContainer: pgContainer,
		ConnectionString:  connStr,
	}
}

func postgresURL(host, port string) string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", testUser, testPassword, host, port, testDatabase)
}
