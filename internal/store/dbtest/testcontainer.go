/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package dbtest provisions a Postgres backend for store integration
// tests, either a local instance (DB_DEPLOYMENT=local) or a testcontainer.
package dbtest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mponomar/comdb2/internal/store"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testDBName     = "blockdb_test"
	testDBUser     = "postgres"
	testDBPassword = "postgres"
)

// TestContainer holds the PostgreSQL testcontainer instance (or nil, for a
// local deployment) and the pool connected to it.
type TestContainer struct {
	Container *postgres.PostgresContainer
	Pool      *pgxpool.Pool
	DSN       string
}

// PrepareTestEnv provisions a schema-initialized Postgres backend. With
// DB_DEPLOYMENT=local it connects to a local instance and wipes it;
// otherwise it spins up a fresh testcontainer.
func PrepareTestEnv(t *testing.T) *TestContainer {
	t.Helper()

	ctx := context.Background()

	var tc *TestContainer
	if os.Getenv("DB_DEPLOYMENT") == "local" {
		tc = prepareLocalDB(t, ctx)
	} else {
		tc = prepareTestContainer(t, ctx)
	}

	_, err := tc.Pool.Exec(ctx, store.Schema)
	require.NoError(t, err, "failed to initialize store schema")

	return tc
}

func prepareLocalDB(t *testing.T, ctx context.Context) *TestContainer {
	t.Helper()

	dsn := fmt.Sprintf(
		"postgres://%s:%s@localhost:5432/%s?sslmode=disable",
		testDBUser, testDBPassword, testDBName,
	)

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "failed to connect to local database")

	err = pool.Ping(ctx)
	require.NoError(t, err, "failed to ping local database")

	cleanDatabase(t, ctx, pool)

	return &TestContainer{Pool: pool, DSN: dsn}
}

func cleanDatabase(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()

	_, err := pool.Exec(ctx, `
		DROP TABLE IF EXISTS records CASCADE;
		DROP TABLE IF EXISTS blockseq CASCADE;
		DROP TABLE IF EXISTS dist_txn CASCADE;
	`)
	require.NoError(t, err, "failed to clean database")
}

func prepareTestContainer(t *testing.T, ctx context.Context) *TestContainer {
	t.Helper()

	pgContainer, err := postgres.Run(ctx,
		"postgres:14-alpine",
		postgres.WithDatabase(testDBName),
		postgres.WithUsername(testDBUser),
		postgres.WithPassword(testDBPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "failed to start postgres container")

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "failed to get connection string")

	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err, "failed to create connection pool")

	err = pool.Ping(ctx)
	require.NoError(t, err, "failed to ping database")

	return &TestContainer{Container: pgContainer, Pool: pool, DSN: dsn}
}

// Close releases the pool and, if one was started, terminates the container.
func (tc *TestContainer) Close(t *testing.T) {
	t.Helper()

	if tc.Pool != nil {
		tc.Pool.Close()
	}
	if tc.Container != nil {
		err := tc.Container.Terminate(context.Background())
		require.NoError(t, err, "failed to terminate container")
	}
}
