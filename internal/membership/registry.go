// Package membership owns the community -> active member -> address
// mapping and resolves broadcast audiences from it.
package membership

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"beacon/internal/audit"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

// ErrDuplicateMembership is returned when the (community, member,
// channel) association already exists and is active. Surfaced as-is;
// the add is idempotent in effect, so callers usually just report it.
var ErrDuplicateMembership = errors.New("membership: already active")

// Registry is the single source of truth for delivery eligibility.
type Registry struct {
	store storage.Store
	log   logx.Logger
	now   func() time.Time
}

func NewRegistry(store storage.Store, log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		store: store,
		log:   log.With(logx.String("svc", "membership")),
		now:   time.Now,
	}
}

// AddMember activates the (community, member, channel) association,
// inserting or reactivating as needed. The member record is upserted
// first so the association always refers to a known member.
func (r *Registry) AddMember(ctx context.Context, actorID, communityID string, member storage.MemberRecord, channel, address string) error {
	if strings.TrimSpace(channel) == "" || strings.TrimSpace(address) == "" {
		return errors.New("membership: channel and address are required")
	}
	if _, err := r.store.GetCommunity(ctx, communityID); err != nil {
		return fmt.Errorf("membership: community %s: %w", communityID, err)
	}

	now := r.now().UTC()
	if member.CreatedAt.IsZero() {
		member.CreatedAt = now
	}
	if err := r.store.PutMember(ctx, member); err != nil {
		return err
	}

	m := storage.MembershipRecord{
		CommunityID: communityID,
		MemberID:    member.ID,
		Channel:     channel,
		Address:     address,
		Active:      true,
		JoinedAt:    now,
	}
	entry := audit.Entry(actorID, audit.ActionMemberAdd, member.ID, communityID,
		map[string]string{"channel": channel})
	err := r.store.AddMembership(ctx, m, entry)
	if errors.Is(err, storage.ErrMembershipActive) {
		return ErrDuplicateMembership
	}
	if err != nil {
		return err
	}

	r.log.Info("member added",
		logx.String("community", communityID),
		logx.String("member", member.ID),
		logx.String("channel", channel))
	return nil
}

// RemoveMember deactivates the association. The row is kept so the
// audit history stays reconstructable; nothing is ever deleted.
func (r *Registry) RemoveMember(ctx context.Context, actorID, communityID, memberID, channel string) error {
	entry := audit.Entry(actorID, audit.ActionMemberRemove, memberID, communityID,
		map[string]string{"channel": channel})
	if err := r.store.DeactivateMembership(ctx, communityID, memberID, channel, entry); err != nil {
		return err
	}
	r.log.Info("member removed",
		logx.String("community", communityID),
		logx.String("member", memberID),
		logx.String("channel", channel))
	return nil
}

// ListActiveMembers returns the active associations for one community,
// in insertion order.
func (r *Registry) ListActiveMembers(ctx context.Context, communityID string) ([]storage.MembershipRecord, error) {
	return r.store.ListActiveMemberships(ctx, communityID)
}
