package channels

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fixedScores(scores map[string]float64) Scorer {
	return ScorerFunc(func(_ context.Context, id string, _ map[string]any) (float64, error) {
		return scores[id], nil
	})
}

func TestRouter_DisabledScoresZero(t *testing.T) {
	called := false
	r := NewRouter(false, ScorerFunc(func(context.Context, string, map[string]any) (float64, error) {
		called = true
		return 42, nil
	}))

	for _, id := range []string{"a", "b", ""} {
		if got := r.ScoreChannel(context.Background(), id, map[string]any{"priority": "urgent"}); got != 0 {
			t.Errorf("ScoreChannel(%q) = %v, want 0", id, got)
		}
	}
	if called {
		t.Error("scorer must not run while routing is disabled")
	}

	got := r.PickBestChannel(context.Background(), []RoutingCandidate{{ChannelID: "first"}, {ChannelID: "second"}}, nil)
	if got != "first" {
		t.Errorf("PickBestChannel = %q, want pass-through of first", got)
	}
}

func TestRouter_PickBestChannel(t *testing.T) {
	r := NewRouter(true, fixedScores(map[string]float64{"a": 1, "b": 3, "c": 3, "d": -1}))
	ctx := context.Background()

	tests := []struct {
		name string
		ids  []string
		want string
	}{
		{name: "empty", ids: nil, want: ""},
		{name: "single", ids: []string{"d"}, want: "d"},
		{name: "strictly highest", ids: []string{"a", "b"}, want: "b"},
		{name: "tie keeps first", ids: []string{"c", "b"}, want: "c"},
		{name: "tie after lower", ids: []string{"a", "b", "c"}, want: "b"},
		{name: "all unknown score zero", ids: []string{"x", "y"}, want: "x"},
		{name: "negative loses to zero", ids: []string{"d", "x"}, want: "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cands []RoutingCandidate
			for _, id := range tt.ids {
				cands = append(cands, RoutingCandidate{ChannelID: id})
			}
			if got := r.PickBestChannel(ctx, cands, nil); got != tt.want {
				t.Errorf("PickBestChannel(%v) = %q, want %q", tt.ids, got, tt.want)
			}
		})
	}
}

func TestRouter_PickBestChannel_Deterministic(t *testing.T) {
	r := NewRouter(true, fixedScores(map[string]float64{"a": 2, "b": 2, "c": 2}))
	cands := []RoutingCandidate{{ChannelID: "b"}, {ChannelID: "a"}, {ChannelID: "c"}}
	for i := 0; i < 20; i++ {
		if got := r.PickBestChannel(context.Background(), cands, nil); got != "b" {
			t.Fatalf("run %d picked %q", i, got)
		}
	}
}

func TestRouter_ScorerFailuresScoreZero(t *testing.T) {
	ctx := context.Background()
	failing := NewRouter(true, ScorerFunc(func(context.Context, string, map[string]any) (float64, error) {
		return 9, errors.New("metrics backend down")
	}))
	if got := failing.ScoreChannel(ctx, "a", nil); got != 0 {
		t.Errorf("error score = %v, want 0", got)
	}

	panicking := NewRouter(true, ScorerFunc(func(_ context.Context, id string, _ map[string]any) (float64, error) {
		if id == "boom" {
			panic("scorer bug")
		}
		return 1, nil
	}))
	if got := panicking.ScoreChannel(ctx, "boom", nil); got != 0 {
		t.Errorf("panic score = %v, want 0", got)
	}
	got := panicking.PickBestChannel(ctx, []RoutingCandidate{{ChannelID: "boom"}, {ChannelID: "ok"}}, nil)
	if got != "ok" {
		t.Errorf("PickBestChannel = %q, want ok", got)
	}
}

func TestRouter_MergesRoutingContext(t *testing.T) {
	var seen map[string]any
	r := NewRouter(true, ScorerFunc(func(_ context.Context, _ string, md map[string]any) (float64, error) {
		seen = md
		return 0, nil
	}))
	r.PickBestChannel(context.Background(),
		[]RoutingCandidate{{ChannelID: "a", Metadata: map[string]any{"role": "explicit"}}},
		map[string]any{"instance": "sales-bot", "role": "ignored"})

	if seen["instance"] != "sales-bot" || seen["role"] != "explicit" {
		t.Errorf("metadata = %v", seen)
	}
}

func TestPriorityScorer(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := PriorityScorer{Now: func() time.Time { return now }}
	ctx := context.Background()

	tests := []struct {
		name    string
		md      map[string]any
		want    float64
		wantErr bool
	}{
		{name: "empty", md: nil, want: 0},
		{name: "named priority", md: map[string]any{"priority": "high"}, want: 3},
		{name: "numeric priority", md: map[string]any{"priority": 1.5}, want: 1.5},
		{name: "fresh activity", md: map[string]any{"last_activity": now}, want: 1},
		{name: "one half-life old", md: map[string]any{"priority": "low", "last_activity": now.Add(-time.Hour)}, want: 1.5},
		{name: "rfc3339 activity", md: map[string]any{"last_activity": now.Add(-2 * time.Hour).Format(time.RFC3339)}, want: 0.25},
		{name: "unknown priority", md: map[string]any{"priority": "whenever"}, wantErr: true},
		{name: "bad activity type", md: map[string]any{"last_activity": true}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Score(ctx, "c", tt.md)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Score: %v", err)
			}
			if got != tt.want {
				t.Errorf("Score = %v, want %v", got, tt.want)
			}
		})
	}
}
