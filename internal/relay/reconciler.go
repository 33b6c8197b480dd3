package relay

import (
	"context"
	"log"
	"time"
)

// Reconciler periodically re-evaluates every relay so desired-state flips
// at window boundaries are published even when no device is polling.
type Reconciler struct {
	service  *Service
	interval time.Duration
}

func NewReconciler(service *Service, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{service: service, interval: interval}
}

// Run blocks until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.reconcile(ctx)
		}
	}
}

func (r *Reconciler) reconcile(ctx context.Context) {
	relays, err := r.service.ListRelays(ctx)
	if err != nil {
		log.Printf("Reconcile: failed to list relays: %v", err)
		return
	}

	for _, relay := range relays {
		if _, err := r.service.DesiredState(ctx, relay.RelayID); err != nil {
			log.Printf("Reconcile: failed to evaluate relay %s: %v", relay.RelayID, err)
		}
	}
}
