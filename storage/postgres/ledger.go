package postgres

import (
	"context"
	"fmt"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

// IsProcessed implements billing.EventLedger
func (s *Storage) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM processed_webhook_events WHERE event_id = $1)`,
		eventID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

// MarkProcessed implements billing.EventLedger. The first writer wins and a
// conflicting insert is not an error.
func (s *Storage) MarkProcessed(ctx context.Context, event billing.ProcessedEvent) error {
	if event.EventID == "" {
		return fmt.Errorf("%w: event id is required", billing.ErrInvalidRecord)
	}
	processedAt := event.ProcessedAt
	if processedAt.IsZero() {
		processedAt = s.now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO processed_webhook_events (event_id, event_type, processed_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.EventType, processedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// Cleanup deletes ledger entries older than EventRetention and returns how
// many rows were removed.
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	if s.config.EventRetention <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().Add(-s.config.EventRetention)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM processed_webhook_events WHERE processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup processed events: %w", err)
	}
	return tag.RowsAffected(), nil
}
