//go:build integration

package containers

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/compose"
)

const stackFile = `
services:
  postgres:
    image: postgres:16-alpine
    environment:
      POSTGRES_DB: guard_test
      POSTGRES_USER: guard
      POSTGRES_PASSWORD: guard
    ports:
      - "5432"
    healthcheck:
      test: ["CMD-SHELL", "pg_isready -U guard -d guard_test"]
      interval: 2s
      timeout: 5s
      retries: 15

  redis:
    image: redis:7-alpine
    ports:
      - "6379"
    healthcheck:
      test: ["CMD", "redis-cli", "ping"]
      interval: 2s
      timeout: 5s
      retries: 15
`

// Stack is a PostgreSQL plus Redis pair brought up with Docker Compose, the
// same shape guardd runs against in deployment.
type Stack struct {
	PostgresURL string
	RedisAddr   string
}

// StartStack brings the stack up and tears it down, volumes included, when
// the test finishes.
func StartStack(t *testing.T) Stack {
	t.Helper()
	ctx := context.Background()

	f, err := os.CreateTemp("", "guard-stack-*.yml")
	require.NoError(t, err)
	defer os.Remove(f.Name())
	_, err = f.WriteString(stackFile)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	identifier := fmt.Sprintf("guard-%s-%d", strings.ToLower(strings.ReplaceAll(t.Name(), "/", "_")), time.Now().Unix())
	stack, err := compose.NewDockerComposeWith(
		compose.WithStackFiles(f.Name()),
		compose.StackIdentifier(identifier),
	)
	require.NoError(t, err, "failed to create compose stack")
	t.Cleanup(func() {
		_ = stack.Down(context.Background(), compose.RemoveOrphans(true), compose.RemoveVolumes(true))
	})
	require.NoError(t, stack.Up(ctx, compose.Wait(true)), "failed to start compose stack")

	pg, err := stack.ServiceContainer(ctx, "postgres")
	require.NoError(t, err)
	pgHost, err := pg.Host(ctx)
	require.NoError(t, err)
	pgPort, err := pg.MappedPort(ctx, "5432")
	require.NoError(t, err)

	rd, err := stack.ServiceContainer(ctx, "redis")
	require.NoError(t, err)
	rdHost, err := rd.Host(ctx)
	require.NoError(t, err)
	rdPort, err := rd.MappedPort(ctx, "6379")
	require.NoError(t, err)

	return Stack{
		PostgresURL: postgresURL(pgHost, pgPort.Port()),
		RedisAddr:   rdHost + ":" + rdPort.Port(),
	}
}
