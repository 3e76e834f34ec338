// Package tiered provides a Hot/Cold event ledger that puts a fast ephemeral
// ledger (Hot, e.g. Redis) in front of the durable ledger (Cold, e.g. Postgres).
// Cold is the source of truth: a mark only succeeds once Cold has it.
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

// Config configures the tiered ledger behavior
type Config struct {
	// Hot is the L1 ledger (e.g., Redis, Memory) consulted first
	Hot billing.EventLedger

	// Cold is the L2 ledger (e.g., Postgres) and the source of truth
	Cold billing.EventLedger

	// AsyncHotWrites moves Hot writes and backfills to a background worker.
	// If false, Hot is written inline after Cold.
	AsyncHotWrites bool

	// SyncBufferSize is the size of the buffered channel for async operations.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when a Hot operation fails.
	// Hot failures never fail the caller.
	AsyncErrorHandler func(error)
}

// Storage implements billing.EventLedger over two ledgers:
// - Read-Through: IsProcessed (Hot, then Cold with Hot backfill)
// - Write-Through: MarkProcessed (Cold, then Hot)
type Storage struct {
	hot  billing.EventLedger
	cold billing.EventLedger
	conf Config

	// Channel for async synchronization
	syncQueue chan func() error
	shutdown  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a new tiered ledger.
func New(config Config) (*Storage, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered storage: both hot and cold storage are required")
	}

	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = 1000
	}

	s := &Storage{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}

	if config.AsyncHotWrites {
		s.startWorker()
	}

	return s, nil
}

// Close gracefully shuts down the async worker (if enabled).
func (s *Storage) Close() error {
	if s.conf.AsyncHotWrites {
		s.closeOnce.Do(func() {
			close(s.shutdown)
			s.wg.Wait()
		})
	}
	return nil
}

// startWorker runs the background Hot write loop.
func (s *Storage) startWorker() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case job := <-s.syncQueue:
				s.report(job())
			case <-s.shutdown:
				// Drain queue on shutdown (best effort)
				for {
					select {
					case job := <-s.syncQueue:
						s.report(job())
					default:
						return
					}
				}
			}
		}
	}()
}

func (s *Storage) report(err error) {
	if err != nil && s.conf.AsyncErrorHandler != nil {
		s.conf.AsyncErrorHandler(fmt.Errorf("tiered hot ledger: %w", err))
	}
}

// writeHot runs job inline or on the worker. A full queue drops the job.
func (s *Storage) writeHot(job func() error) {
	if !s.conf.AsyncHotWrites {
		s.report(job())
		return
	}
	select {
	case s.syncQueue <- job:
	default:
		s.report(errors.New("sync queue full, hot write dropped"))
	}
}

// IsProcessed implements billing.EventLedger
func (s *Storage) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	processed, err := s.hot.IsProcessed(ctx, eventID)
	if err == nil && processed {
		return true, nil
	}
	s.report(err)

	processed, err = s.cold.IsProcessed(ctx, eventID)
	if err != nil {
		return false, err
	}
	if processed {
		// Backfill so the next redelivery is answered by Hot.
		entry := billing.ProcessedEvent{EventID: eventID}
		s.writeHot(func() error {
			return s.hot.MarkProcessed(context.WithoutCancel(ctx), entry)
		})
	}
	return processed, nil
}

// MarkProcessed implements billing.EventLedger
func (s *Storage) MarkProcessed(ctx context.Context, event billing.ProcessedEvent) error {
	if err := s.cold.MarkProcessed(ctx, event); err != nil {
		return err
	}
	s.writeHot(func() error {
		return s.hot.MarkProcessed(context.WithoutCancel(ctx), event)
	})
	return nil
}

var _ billing.EventLedger = (*Storage)(nil)
