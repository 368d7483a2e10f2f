package membership

import (
	"context"
	"errors"
)

// ErrEmptyAudience is returned when a community resolves to zero
// targets. Whether that aborts a broadcast is the caller's policy.
var ErrEmptyAudience = errors.New("membership: empty audience")

// Target is one resolved recipient: where a broadcast delivery goes.
type Target struct {
	MemberID string
	Channel  string
	Address  string
}

// Resolver turns a community id into the exact delivery target list.
type Resolver struct {
	registry *Registry
}

func NewResolver(registry *Registry) *Resolver {
	return &Resolver{registry: registry}
}

// Resolve lists the community's active members and deduplicates by
// (member, channel): a member registered twice on the same channel
// yields exactly one target. Order is the association insertion order,
// stable across runs.
func (r *Resolver) Resolve(ctx context.Context, communityID string) ([]Target, error) {
	members, err := r.registry.ListActiveMembers(ctx, communityID)
	if err != nil {
		return nil, err
	}

	type key struct{ member, channel string }
	seen := make(map[key]struct{}, len(members))
	targets := make([]Target, 0, len(members))
	for _, m := range members {
		k := key{member: m.MemberID, channel: m.Channel}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		targets = append(targets, Target{MemberID: m.MemberID, Channel: m.Channel, Address: m.Address})
	}

	if len(targets) == 0 {
		return nil, ErrEmptyAudience
	}
	return targets, nil
}
