// Package redis provides a Redis implementation of the webhook event ledger
// and the in-flight event guard. Claims are released atomically via a Lua script.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

// Storage implements billing.EventLedger and billing.EventGuard using Redis
type Storage struct {
	client redis.UniversalClient
	config Config
	// owner identifies this instance's claims so Release never drops a claim
	// taken by another process.
	owner   string
	release *redis.Script
	now     func() time.Time
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "tiersync:")
	KeyPrefix string

	// LedgerTTL is how long processed events are remembered (0 = no expiration)
	LedgerTTL time.Duration

	// ClaimTTL bounds how long an in-flight claim survives a crashed worker
	ClaimTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "tiersync:",
		LedgerTTL: 30 * 24 * time.Hour,
		ClaimTTL:  30 * time.Second,
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.ClaimTTL <= 0 {
		config.ClaimTTL = defaults.ClaimTTL
	}

	return &Storage{
		client: client,
		config: config,
		owner:  uuid.NewString(),
		release: redis.NewScript(`
			if redis.call('GET', KEYS[1]) == ARGV[1] then
				return redis.call('DEL', KEYS[1])
			end
			return 0
		`),
		now: time.Now,
	}, nil
}

func (s *Storage) eventKey(eventID string) string {
	return s.config.KeyPrefix + "event:" + eventID
}

func (s *Storage) claimKey(eventID string) string {
	return s.config.KeyPrefix + "claim:" + eventID
}

// IsProcessed implements billing.EventLedger
func (s *Storage) IsProcessed(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.eventKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed implements billing.EventLedger. The first writer wins.
func (s *Storage) MarkProcessed(ctx context.Context, event billing.ProcessedEvent) error {
	if event.EventID == "" {
		return fmt.Errorf("%w: event id is required", billing.ErrInvalidRecord)
	}
	if event.ProcessedAt.IsZero() {
		event.ProcessedAt = s.now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = s.client.SetArgs(ctx, s.eventKey(event.EventID), data, redis.SetArgs{
		Mode: "NX",
		TTL:  s.config.LedgerTTL,
	}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	return nil
}

// Claim implements billing.EventGuard
func (s *Storage) Claim(ctx context.Context, eventID string) error {
	ok, err := s.client.SetNX(ctx, s.claimKey(eventID), s.owner, s.config.ClaimTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to claim event: %w", err)
	}
	if !ok {
		return billing.ErrEventInFlight
	}
	return nil
}

// Release implements billing.EventGuard
func (s *Storage) Release(ctx context.Context, eventID string) error {
	if err := s.release.Run(ctx, s.client, []string{s.claimKey(eventID)}, s.owner).Err(); err != nil {
		return fmt.Errorf("failed to release event: %w", err)
	}
	return nil
}

// Ping checks the Redis connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

var (
	_ billing.EventLedger = (*Storage)(nil)
	_ billing.EventGuard  = (*Storage)(nil)
)
