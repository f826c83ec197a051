package cmd

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/chatbridge/internal/channels"
	"github.com/nextlevelbuilder/chatbridge/internal/config"
)

func TestStartScheduler_ConcurrentRestartsLeaveOneRunning(t *testing.T) {
	s := &server{reloader: channels.NewReloader(nil)}
	announcements := []config.Announcement{
		{Name: "standup", Schedule: "0 9 * * 1-5", Channel: "town-square", Text: "Standup in 5"},
	}

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.startScheduler(context.Background(), announcements)
		}()
	}
	wg.Wait()

	// Every replaced scheduler must have been cancelled, otherwise
	// stopScheduler never returns.
	stopped := make(chan struct{})
	go func() {
		s.stopScheduler()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("a replaced scheduler is still running")
	}
}
