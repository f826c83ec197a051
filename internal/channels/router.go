package channels

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"
)

// Scorer rates a channel for delivery. Higher is better.
type Scorer interface {
	Score(ctx context.Context, channelID string, metadata map[string]any) (float64, error)
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(ctx context.Context, channelID string, metadata map[string]any) (float64, error)

// Score calls f.
func (f ScorerFunc) Score(ctx context.Context, channelID string, metadata map[string]any) (float64, error) {
	return f(ctx, channelID, metadata)
}

// Router selects among candidate delivery channels. With routing disabled
// every score is 0 and selection passes through the first candidate.
type Router struct {
	enabled    bool
	scorer     Scorer
	priorities map[string]string
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithPriorities tags channels with a priority ("low", "normal", "high",
// "urgent" or a number). Keys are channel names (with or without "~") or
// channel IDs.
func WithPriorities(priorities map[string]string) RouterOption {
	return func(r *Router) {
		for ref, p := range priorities {
			r.priorities[strings.TrimPrefix(ref, "~")] = p
		}
	}
}

// NewRouter creates a router. A nil scorer selects PriorityScorer.
func NewRouter(enabled bool, scorer Scorer, opts ...RouterOption) *Router {
	if scorer == nil {
		scorer = PriorityScorer{}
	}
	r := &Router{enabled: enabled, scorer: scorer, priorities: make(map[string]string)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enabled reports the routing feature flag.
func (r *Router) Enabled() bool { return r != nil && r.enabled }

// priority returns the configured tag of a channel, looked up by ID first.
func (r *Router) priority(ref, channelID string) (string, bool) {
	if p, ok := r.priorities[channelID]; ok {
		return p, true
	}
	p, ok := r.priorities[strings.TrimPrefix(ref, "~")]
	return p, ok
}

// ScoreChannel returns the channel's score, or 0 when routing is disabled
// or the scorer fails.
func (r *Router) ScoreChannel(ctx context.Context, channelID string, metadata map[string]any) (score float64) {
	if !r.Enabled() {
		return 0
	}
	defer func() {
		if p := recover(); p != nil {
			slog.Warn("channel scorer panicked", "channel_id", channelID, "panic", p)
			score = 0
		}
	}()
	s, err := r.scorer.Score(ctx, channelID, metadata)
	if err != nil || math.IsNaN(s) {
		slog.Debug("channel scoring failed", "channel_id", channelID, "error", err)
		return 0
	}
	return s
}

// PickBestChannel returns the candidate with the strictly highest score.
// Ties keep the earliest candidate. Metadata from routeCtx is merged under
// each candidate's own metadata. Returns "" for no candidates.
func (r *Router) PickBestChannel(ctx context.Context, candidates []RoutingCandidate, routeCtx map[string]any) string {
	if len(candidates) == 0 {
		return ""
	}
	best := -1
	var bestScore float64
	for i := range candidates {
		c := &candidates[i]
		c.Score = r.ScoreChannel(ctx, c.ChannelID, mergeMetadata(routeCtx, c.Metadata))
		if best < 0 || c.Score > bestScore {
			best, bestScore = i, c.Score
		}
	}
	return candidates[best].ChannelID
}

func mergeMetadata(base, over map[string]any) map[string]any {
	if len(base) == 0 {
		return over
	}
	out := make(map[string]any, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// PriorityScorer scores a channel from its "priority" tag plus the recency
// of its "last_activity". Recency contributes up to 1, halving every
// HalfLife (default 1h).
type PriorityScorer struct {
	HalfLife time.Duration
	Now      func() time.Time
}

var priorityNames = map[string]float64{
	"low":    1,
	"normal": 2,
	"high":   3,
	"urgent": 4,
}

// Score implements Scorer.
func (s PriorityScorer) Score(_ context.Context, _ string, metadata map[string]any) (float64, error) {
	var score float64
	if v, ok := metadata["priority"]; ok {
		p, err := parsePriority(v)
		if err != nil {
			return 0, err
		}
		score += p
	}
	if v, ok := metadata["last_activity"]; ok {
		at, err := parseActivity(v)
		if err != nil {
			return 0, err
		}
		score += s.recency(at)
	}
	return score, nil
}

func (s PriorityScorer) recency(at time.Time) float64 {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	halfLife := s.HalfLife
	if halfLife <= 0 {
		halfLife = time.Hour
	}
	age := now().Sub(at)
	if age < 0 {
		age = 0
	}
	return math.Exp2(-float64(age) / float64(halfLife))
}

func parsePriority(v any) (float64, error) {
	switch p := v.(type) {
	case float64:
		return p, nil
	case int:
		return float64(p), nil
	case int64:
		return float64(p), nil
	case string:
		if n, ok := priorityNames[strings.ToLower(p)]; ok {
			return n, nil
		}
		return strconv.ParseFloat(p, 64)
	}
	return 0, fmt.Errorf("unsupported priority %T", v)
}

func parseActivity(v any) (time.Time, error) {
	switch a := v.(type) {
	case time.Time:
		return a, nil
	case int64:
		return time.UnixMilli(a), nil
	case float64:
		return time.UnixMilli(int64(a)), nil
	case string:
		return time.Parse(time.RFC3339, a)
	}
	return time.Time{}, fmt.Errorf("unsupported last_activity %T", v)
}
