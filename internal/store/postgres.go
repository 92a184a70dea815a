/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package store implements the data-store contract spec section 6 treats
// as an external collaborator: trans_start/trans_commit/trans_abort plus a
// durable blkseq_insert/find, backed by Postgres via pgx. The page
// store/WAL/replication transport themselves are out of scope; this
// package only has to honor their transaction-handle contract.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Config describes the Postgres connection the store is backed by.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// NewPostgres creates a new pgx connection pool using the given config.
func NewPostgres(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}

	dsn := fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s&pool_max_conns=50",
		cfg.User,
		cfg.Password,
		cfg.Host,
		cfg.Port,
		cfg.DBName,
		cfg.SSLMode,
	)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect postgres: %w", err)
	}

	return pool, nil
}

// Schema is applied once at startup (or by tests) to create the tables the
// store's Tx methods operate on.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
	tbl_name  text   NOT NULL,
	genid     bigint NOT NULL,
	rec_key   bytea  NOT NULL,
	data      bytea  NOT NULL,
	PRIMARY KEY (tbl_name, genid)
);
CREATE INDEX IF NOT EXISTS records_by_key ON records (tbl_name, rec_key);

CREATE TABLE IF NOT EXISTS blockseq (
	seq_key  bytea  PRIMARY KEY,
	payload  bytea  NOT NULL,
	epoch    bigint NOT NULL
);

CREATE TABLE IF NOT EXISTS dist_txn (
	txnid               text PRIMARY KEY,
	state               text NOT NULL,
	coordinator_dbname   text NOT NULL,
	coordinator_tier     text NOT NULL,
	role                 text NOT NULL,
	created_at           timestamptz NOT NULL DEFAULT now()
);
`
