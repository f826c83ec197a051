package channels

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nextlevelbuilder/chatbridge/internal/mattermost"
)

const resolverCacheSize = 512

// Resolver turns human-readable channel references into channel IDs for one
// bot instance.
type Resolver struct {
	instance string
	client   PlatformClient
	cache    *lru.Cache[string, ChannelDescriptor]
}

// NewResolver creates a resolver. A cacheSize <= 0 selects the default.
func NewResolver(instance string, client PlatformClient, cacheSize int) *Resolver {
	if cacheSize <= 0 {
		cacheSize = resolverCacheSize
	}
	cache, _ := lru.New[string, ChannelDescriptor](cacheSize)
	return &Resolver{instance: instance, client: client, cache: cache}
}

// Resolve returns the channel ID for ref. Refs already shaped like platform
// IDs are returned unchanged without any network call.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if mattermost.IsID(ref) {
		return ref, nil
	}
	ch, err := r.Lookup(ctx, ref)
	if err != nil {
		return "", err
	}
	return ch.ID, nil
}

// Lookup resolves a channel name (optionally prefixed with "~") across the
// teams the instance belongs to. The first team with a match wins. A failure
// to list the teams is returned as is, not as *ChannelNotFoundError.
func (r *Resolver) Lookup(ctx context.Context, ref string) (ChannelDescriptor, error) {
	name := strings.TrimPrefix(ref, "~")
	if name == "" {
		return ChannelDescriptor{}, &ChannelNotFoundError{Ref: ref}
	}
	if ch, ok := r.cache.Get(name); ok {
		return ch, nil
	}

	teams, err := r.client.GetMyTeams(ctx)
	if err != nil {
		return ChannelDescriptor{}, fmt.Errorf("list teams of %s: %w", r.instance, err)
	}

	var lastErr error
	for _, team := range teams {
		ch, err := r.client.GetChannelByName(ctx, team.ID, name)
		if err != nil {
			if !mattermost.IsNotFound(err) {
				lastErr = err
			}
			continue
		}
		desc := ChannelDescriptor{ID: ch.ID, Name: ch.Name, TeamID: ch.TeamID}
		if desc.TeamID == "" {
			desc.TeamID = team.ID
		}
		r.cache.Add(name, desc)
		return desc, nil
	}
	return ChannelDescriptor{}, &ChannelNotFoundError{Ref: ref, Err: lastErr}
}

// Forget drops cached entries, e.g. after a channel was renamed.
func (r *Resolver) Forget() { r.cache.Purge() }
