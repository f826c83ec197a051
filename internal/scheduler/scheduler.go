// Package scheduler broadcasts configured announcements on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
)

// Broadcaster sends text to a channel from every bot instance.
type Broadcaster interface {
	BroadcastAnnouncement(ctx context.Context, channelRef, text string) channels.BroadcastResult
}

// Scheduler evaluates announcement schedules once per minute.
type Scheduler struct {
	gron          *gronx.Gronx
	announcements []config.Announcement
	broadcaster   Broadcaster

	mu      sync.Mutex
	lastRun map[string]time.Time // announcement name → minute it last fired
}

// New validates every schedule up front.
func New(announcements []config.Announcement, b Broadcaster) (*Scheduler, error) {
	g := gronx.New()
	for _, a := range announcements {
		if !g.IsValid(a.Schedule) {
			return nil, fmt.Errorf("announcement %q: invalid cron schedule %q", a.Name, a.Schedule)
		}
	}
	return &Scheduler{
		gron:          g,
		announcements: announcements,
		broadcaster:   b,
		lastRun:       make(map[string]time.Time),
	}, nil
}

// Run ticks at each minute boundary until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.announcements) == 0 {
		return
	}
	slog.Info("announcement scheduler started", "announcements", len(s.announcements))
	for {
		now := time.Now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case t := <-timer.C:
			s.RunDue(ctx, t)
		}
	}
}

// RunDue broadcasts every announcement due at t and returns their names.
// An announcement fires at most once per minute.
func (s *Scheduler) RunDue(ctx context.Context, t time.Time) []string {
	minute := t.Truncate(time.Minute)
	var fired []string
	for _, a := range s.announcements {
		due, err := s.gron.IsDue(a.Schedule, minute)
		if err != nil {
			slog.Warn("announcement schedule check failed", "announcement", a.Name, "error", err)
			continue
		}
		if !due || !s.claim(a.Name, minute) {
			continue
		}

		res := s.broadcaster.BroadcastAnnouncement(ctx, a.Channel, a.Text)
		slog.Info("announcement sent",
			"announcement", a.Name, "channel", a.Channel,
			"delivered", len(res.Delivered), "failed", len(res.Failed))
		fired = append(fired, a.Name)
	}
	return fired
}

func (s *Scheduler) claim(name string, minute time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.lastRun[name]; ok && !minute.After(last) {
		return false
	}
	s.lastRun[name] = minute
	return true
}
