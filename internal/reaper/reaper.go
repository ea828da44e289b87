// Package reaper runs the periodic sweeps that force expiry of overdue
// search entries and temporary conversations. Every removal goes through the
// same conditional transitions as a user-initiated action, so notifications
// fire identically and an overlapping sweep finds nothing left to do.
package reaper

import (
	"context"
	"log"
	"time"

	"github.com/emberchat/ember/internal/convo"
	"github.com/emberchat/ember/internal/fanout"
	"github.com/emberchat/ember/internal/metrics"
	"github.com/emberchat/ember/internal/queue"
)

// DefaultInterval is the sweep period.
const DefaultInterval = 60 * time.Second

// Reaper owns the sweep loop. Failures are logged and retried on the next
// tick; nothing here ever surfaces as a user-visible error.
type Reaper struct {
	queue    *queue.Store
	engine   *convo.Engine
	events   *fanout.Channel
	interval time.Duration
}

// New creates a Reaper over the given stores.
func New(q *queue.Store, engine *convo.Engine, events *fanout.Channel, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{
		queue:    q,
		engine:   engine,
		events:   events,
		interval: interval,
	}
}

// Run sweeps until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	log.Printf("[reaper] sweeping every %s", r.interval)

	for {
		select {
		case <-ctx.Done():
			log.Println("[reaper] stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over both expiry sets. Exported for tests and for a
// forced sweep on startup.
func (r *Reaper) Sweep(ctx context.Context) {
	now := time.Now()
	expired := r.sweepSearches(ctx, now)
	reaped := r.sweepConversations(ctx, now)

	if expired > 0 || reaped > 0 {
		log.Printf("[reaper] expired %d searches, terminated %d conversations", expired, reaped)
	}
}

// sweepSearches expires overdue search entries. The conditional flip means a
// concurrent pairing or cancellation simply wins and the entry is skipped.
func (r *Reaper) sweepSearches(ctx context.Context, now time.Time) int {
	userIDs, err := r.queue.ExpiryCandidates(ctx, now)
	if err != nil {
		log.Printf("[reaper] search candidates: %v", err)
		return 0
	}

	expired := 0
	for _, userID := range userIDs {
		flipped, err := r.queue.Expire(ctx, userID, now)
		if err != nil {
			log.Printf("[reaper] expire search %s: %v", userID, err)
			continue
		}
		if !flipped {
			continue
		}
		expired++
		metrics.ReapedEntriesTotal.Inc()
		r.events.EmitUser(userID, fanout.Event{Type: fanout.TypeSearchTimeout})
	}

	if expired > 0 {
		if size, serr := r.queue.Size(ctx); serr == nil {
			metrics.SearchQueueSize.Set(float64(size))
		}
	}
	return expired
}

// sweepConversations terminates overdue temporary conversations through the
// lifecycle engine, so participants get the same chat_terminated events as
// for a user-initiated termination.
func (r *Reaper) sweepConversations(ctx context.Context, now time.Time) int {
	chatIDs, err := r.engine.ExpiryCandidates(ctx, now)
	if err != nil {
		log.Printf("[reaper] conversation candidates: %v", err)
		return 0
	}

	reaped := 0
	for _, chatID := range chatIDs {
		removed, err := r.engine.Expire(ctx, chatID, now)
		if err != nil {
			log.Printf("[reaper] expire chat %s: %v", chatID, err)
			continue
		}
		if removed {
			reaped++
		}
	}
	return reaped
}
