// Package scheduler drives evaluation over the session store: a single
// pump pass, a long-running watch loop, and a blocking single-agent run.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/engine"
	"github.com/droverhq/drover/pkg/store"
)

// Evaluator runs one evaluation step for a session.
type Evaluator interface {
	Eval(ctx context.Context, id int64) (store.State, error)
}

// Scheduler coordinates evaluation across sessions.
type Scheduler struct {
	store   *store.FileStore
	engine  Evaluator
	logger  zerolog.Logger
	workers int
}

// Config assembles a Scheduler.
type Config struct {
	Store  *store.FileStore
	Engine Evaluator
	Logger zerolog.Logger
	// Workers bounds concurrent evaluations in a pump pass. Defaults to 4.
	Workers int
}

// New creates a scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("evaluator is required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &Scheduler{
		store:   cfg.Store,
		engine:  cfg.Engine,
		logger:  cfg.Logger.With().Str("component", "scheduler").Logger(),
		workers: workers,
	}, nil
}

// PumpResult summarizes one pump pass.
type PumpResult struct {
	// Processed counts sessions that completed an evaluation step.
	Processed int
	// Total counts sessions that matched the filter.
	Total int
}

// Pump evaluates every pending session matching the filter once, with a
// bounded worker pool. Running sessions are included so that one whose
// evaluator crashed gets resumed; a session actively held by a live
// evaluator is skipped via its eval lock. Per-session failures are logged
// and skipped; the pass itself only fails when the store cannot be listed.
func (s *Scheduler) Pump(ctx context.Context, filter store.Filter) (PumpResult, error) {
	filter.States = []store.State{store.StatePending, store.StateRunning}
	sessions, err := s.store.List(filter)
	if err != nil {
		return PumpResult{}, fmt.Errorf("pump failed to list sessions: %w", err)
	}

	var processed atomic.Int64
	sem := make(chan struct{}, s.workers)
	var wg sync.WaitGroup

	for _, sess := range sessions {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(id int64) {
			defer wg.Done()
			defer func() { <-sem }()

			_, err := s.engine.Eval(ctx, id)
			switch {
			case err == nil:
				processed.Add(1)
			case errors.Is(err, engine.ErrSessionBusy):
				s.logger.Debug().Int64("session", id).Msg("Session busy, skipping")
			default:
				s.logger.Error().Int64("session", id).Err(err).Msg("Evaluation failed")
			}
		}(sess.ID)
	}
	wg.Wait()

	result := PumpResult{Processed: int(processed.Load()), Total: len(sessions)}
	s.logger.Debug().Int("processed", result.Processed).Int("total", result.Total).Msg("Pump pass complete")
	return result, nil
}
