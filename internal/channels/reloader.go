package channels

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ServiceBuilder constructs a fresh, unstarted Service from the current config.
type ServiceBuilder func(ctx context.Context) (*Service, error)

// Reloader owns the running Service and swaps it when configuration changes.
// Start at boot, Reload on config invalidation, Stop at exit.
type Reloader struct {
	build ServiceBuilder

	mu      sync.Mutex
	current *Service
	reloads int
}

// NewReloader creates a Reloader using build for every (re)start.
func NewReloader(build ServiceBuilder) *Reloader {
	return &Reloader{build: build}
}

// Start builds and starts the first Service.
func (r *Reloader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current != nil {
		return errors.New("reloader already started")
	}
	svc, err := r.build(ctx)
	if err != nil {
		return fmt.Errorf("build service: %w", err)
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}
	r.current = svc
	return nil
}

// Reload builds a new Service, shuts the old one down, then starts the new
// one. When the build fails the old Service keeps running.
func (r *Reloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := r.build(ctx)
	if err != nil {
		slog.Error("config reload rejected, keeping current instances", "error", err)
		return fmt.Errorf("build service: %w", err)
	}
	if r.current != nil {
		if err := r.current.Shutdown(ctx); err != nil {
			slog.Warn("previous service did not drain cleanly", "error", err)
		}
	}
	r.current = next
	r.reloads++
	if err := next.Start(ctx); err != nil {
		return err
	}
	slog.Info("chat service reloaded", "reloads", r.reloads)
	return nil
}

// Stop shuts the current Service down. Safe to call more than once.
func (r *Reloader) Stop(ctx context.Context) error {
	r.mu.Lock()
	svc := r.current
	r.mu.Unlock()
	if svc == nil {
		return nil
	}
	return svc.Shutdown(ctx)
}

// Current returns the running Service, nil before Start.
func (r *Reloader) Current() *Service {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// Status reports the current Service's instances.
func (r *Reloader) Status() []ConnectionState {
	if svc := r.Current(); svc != nil {
		return svc.Status()
	}
	return nil
}

// BroadcastAnnouncement broadcasts through the current Service.
func (r *Reloader) BroadcastAnnouncement(ctx context.Context, channelRef, text string) BroadcastResult {
	svc := r.Current()
	if svc == nil {
		return BroadcastResult{Delivered: map[string]string{}, Failed: map[string]error{}}
	}
	return svc.Dispatcher().BroadcastAnnouncement(ctx, channelRef, text)
}
