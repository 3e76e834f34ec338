package stripe

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mihaimyh/tiersync/pkg/billing"
)

const (
	defaultReconcileInterval    = 6 * time.Hour
	defaultReconcileConcurrency = 4
)

// ReconcileReport summarizes one sweep.
type ReconcileReport struct {
	Checked int
	Failed  int
}

// ReconcileChild re-syncs one child on behalf of its payer.
func (p *Provider) ReconcileChild(ctx context.Context, parentID, childID string) (billing.Tier, error) {
	if err := p.authorize(ctx, parentID, childID); err != nil {
		return billing.TierFree, err
	}
	return p.SyncChild(ctx, childID)
}

// ReconcileAll re-syncs every Stripe-backed record from Stripe. Failures are
// logged and counted; they do not stop the sweep.
func (p *Provider) ReconcileAll(ctx context.Context, concurrency int) (ReconcileReport, error) {
	if concurrency <= 0 {
		concurrency = defaultReconcileConcurrency
	}

	records, err := p.stores.Subscriptions.ListStripeBacked(ctx)
	if err != nil {
		return ReconcileReport{}, fmt.Errorf("failed to list subscriptions: %w", err)
	}

	var failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, rec := range records {
		childID := rec.ChildID
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			if _, err := p.SyncChild(gctx, childID); err != nil {
				failed.Add(1)
				p.logger.Warn("reconcile failed for child",
					billing.F("child_id", childID),
					billing.F("error", err.Error()),
				)
			}
			return nil
		})
	}
	err = g.Wait()
	return ReconcileReport{Checked: len(records), Failed: int(failed.Load())}, err
}

// Reconciler periodically runs ReconcileAll to repair drift left by lost or
// reordered webhooks.
type Reconciler struct {
	provider    *Provider
	interval    time.Duration
	concurrency int
}

// NewReconciler creates a reconciler. Zero values select the defaults.
func NewReconciler(provider *Provider, interval time.Duration, concurrency int) *Reconciler {
	if interval <= 0 {
		interval = defaultReconcileInterval
	}
	if concurrency <= 0 {
		concurrency = defaultReconcileConcurrency
	}
	return &Reconciler{provider: provider, interval: interval, concurrency: concurrency}
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	log := r.provider.logger
	log.Info("stripe reconciler started", billing.F("interval", r.interval.String()))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("stripe reconciler stopped")
			return
		case <-ticker.C:
			report, err := r.provider.ReconcileAll(ctx, r.concurrency)
			if err != nil {
				log.Error("stripe reconcile sweep failed", billing.F("error", err.Error()))
				continue
			}
			log.Info("stripe reconcile sweep finished",
				billing.F("checked", report.Checked),
				billing.F("failed", report.Failed),
			)
		}
	}
}
