// Package listeners provides ready-made hooks.HookListener implementations
// that observe engine and sync activity without being wired into their
// call paths directly.
package listeners

import (
	"context"
	"io"
	"log/slog"

	"github.com/l3kv/l3kv/hooks"
)

// DivergenceAlerterListener logs a warning when a gossip round finds an
// unusually large number of divergent keys against one peer, the kind of
// signal that indicates a peer has been partitioned for a long time or a
// bug is causing repeated re-divergence.
type DivergenceAlerterListener struct {
	logger    *slog.Logger
	threshold int
}

// NewDivergenceAlerterListener creates a listener that warns once a sync
// round's divergent key count reaches threshold.
func NewDivergenceAlerterListener(logger *slog.Logger, threshold int) *DivergenceAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if threshold <= 0 {
		threshold = 1000
	}
	return &DivergenceAlerterListener{
		logger:    logger.With("component", "DivergenceAlerterListener"),
		threshold: threshold,
	}
}

// OnEvent handles hooks.EventPostSyncRound.
func (l *DivergenceAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	if event.Type() != hooks.EventPostSyncRound {
		return nil
	}
	payload, ok := event.Payload().(hooks.SyncRoundPayload)
	if !ok {
		return nil
	}
	if payload.DivergentKeys >= l.threshold {
		l.logger.Warn("gossip round found unusually large divergence",
			"peer", payload.Peer,
			"divergent_keys", payload.DivergentKeys,
			"repaired_keys", payload.RepairedKeys,
		)
	}
	return nil
}

// Priority runs after any correctness-critical listeners.
func (l *DivergenceAlerterListener) Priority() int { return 100 }

// IsAsync reports that this listener never blocks the sync loop.
func (l *DivergenceAlerterListener) IsAsync() bool { return true }
