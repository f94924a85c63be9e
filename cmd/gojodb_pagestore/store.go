package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sushant-115/gojodb-pagestore/core/indexing/btree"
	accessmanager "github.com/sushant-115/gojodb-pagestore/core/write_engine/access_manager"
	"github.com/sushant-115/gojodb-pagestore/pkg/config"
	"github.com/sushant-115/gojodb-pagestore/pkg/logger"
	"github.com/sushant-115/gojodb-pagestore/pkg/telemetry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// store bundles everything a command needs: the opened tree and the services around it.
type store struct {
	logger   *zap.Logger
	level    zap.AtomicLevel
	tel      *telemetry.Telemetry
	shutdown telemetry.ShutdownFunc
	am       *accessmanager.AccessManager
	tree     *btree.BTree
	metrics  *http.Server
}

func openStore(cfg config.Config, metricsAddr string) (*store, error) {
	log, level, err := logger.NewWithLevel(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	if metricsAddr != "" {
		cfg.Telemetry.Enabled = true
	}
	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	s := &store{logger: log, level: level, tel: tel, shutdown: shutdown}

	s.am, err = accessmanager.New(cfg.Storage.Path,
		accessmanager.WithPoolSize(cfg.Storage.PoolSize),
		accessmanager.WithLogger(log),
		accessmanager.WithTelemetry(tel))
	if err != nil {
		return nil, multierr.Append(err, s.Close())
	}
	s.tree, err = btree.NewBTree(s.am, log)
	if err != nil {
		return nil, multierr.Append(err, s.Close())
	}

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", tel.Handler())
		s.metrics = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", zap.String("addr", metricsAddr), zap.Error(err))
			}
		}()
		log.Info("serving metrics", zap.String("addr", metricsAddr))
	}

	log.Info("page store opened",
		zap.String("path", cfg.Storage.Path),
		zap.Int("pool_size", cfg.Storage.PoolSize),
		zap.String("session_id", s.am.SessionID().String()))
	return s, nil
}

// Close flushes the page file and stops telemetry. Safe on a partially opened store.
func (s *store) Close() error {
	var err error
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, s.metrics.Shutdown(ctx))
		cancel()
	}
	if s.am != nil {
		err = multierr.Append(err, s.am.Close())
	}
	if s.shutdown != nil {
		err = multierr.Append(err, s.shutdown(context.Background()))
	}
	_ = s.logger.Sync()
	return err
}
