/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mponomar/comdb2/internal/config"
	"github.com/mponomar/comdb2/internal/logging"
	"github.com/mponomar/comdb2/internal/server"
	"github.com/mponomar/comdb2/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logging.SetupWithConfig(&logging.Config{
		Enabled:  true,
		Level:    cfg.Logging.Level,
		Encoding: cfg.Logging.Encoding,
		Caller:   true,
		Name:     "blockserver",
	})
	logger := logging.New("blockserver")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pool, err := store.NewPostgres(ctx, store.Config{
		Host:     cfg.DB.Host,
		Port:     cfg.DB.Port,
		User:     cfg.DB.User,
		Password: cfg.DB.Password,
		DBName:   cfg.DB.DBName,
		SSLMode:  cfg.DB.SSLMode,
	})
	if err != nil {
		logger.Errorf("connect postgres: %v", err)
		os.Exit(1)
	}

	if _, err := pool.Exec(ctx, store.Schema); err != nil {
		logger.Errorf("apply schema: %v", err)
		os.Exit(1)
	}

	st := store.NewStore(pool)

	// A single-node deployment runs with no forwarder; a clustered
	// deployment wires internal/forwarder.New with a real MasterLocator
	// and Transport here instead of nil.
	srv := server.New(cfg, st, nil)

	logger.Infof("starting blockserver on %s (health on %s)", cfg.Server.ListenAddr, cfg.Server.HTTPHealthAddr)
	if err := srv.Run(ctx); err != nil {
		logger.Errorf("server exited: %v", err)
		os.Exit(1)
	}
}
