// Package authz is the fail-closed permission gate in front of every
// mutating operation.
package authz

import (
	"context"
	"errors"
	"fmt"

	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

// Wildcard grants every permission (super admin roles).
const Wildcard = "*"

// Permission strings checked by the engine.
const (
	PermCommunityManage = "community:manage"
	PermBroadcastSend   = "broadcast:send"
)

// ErrForbidden is returned on every deny. Callers surface it without
// retrying; denial is deterministic for the same inputs.
var ErrForbidden = errors.New("authz: forbidden")

// Actor is an operator identity. It holds exactly one role and an
// optional scoping community; a scoped actor may act only inside that
// community.
type Actor struct {
	ID               string
	Role             string
	ScopeCommunityID string
}

// Scoped reports whether the actor is restricted to one community.
func (a Actor) Scoped() bool { return a.ScopeCommunityID != "" }

// Gate answers allow/deny questions against the role table.
type Gate struct {
	store storage.Store
	log   logx.Logger
}

func NewGate(store storage.Store, log logx.Logger) *Gate {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gate{store: store, log: log.With(logx.String("svc", "authz"))}
}

// Authorize checks that actor may exercise permission inside
// scopeCommunity (empty for unscoped actions).
//
// Resolution order: the actor's role must carry the permission or the
// wildcard; then, if the actor is scoped, scopeCommunity must equal the
// scope. Anything unmatched denies. An unknown or empty role denies
// rather than erroring: absence of a grant is a deny.
func (g *Gate) Authorize(ctx context.Context, actor Actor, permission, scopeCommunity string) error {
	if actor.Role == "" {
		return g.deny(actor, permission, scopeCommunity, "no role")
	}

	role, err := g.store.GetRole(ctx, actor.Role)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return g.deny(actor, permission, scopeCommunity, "unknown role")
		}
		// A storage fault is still a deny; never fail open.
		g.log.Error("role lookup failed", logx.String("role", actor.Role), logx.Err(err))
		return fmt.Errorf("%w: role lookup: %v", ErrForbidden, err)
	}

	if !hasPermission(role.Permissions, permission) {
		return g.deny(actor, permission, scopeCommunity, "permission not granted")
	}
	if actor.Scoped() && actor.ScopeCommunityID != scopeCommunity {
		return g.deny(actor, permission, scopeCommunity, "out of scope")
	}
	return nil
}

func (g *Gate) deny(actor Actor, permission, scopeCommunity, reason string) error {
	g.log.Warn("authorization denied",
		logx.String("actor", actor.ID),
		logx.String("role", actor.Role),
		logx.String("permission", permission),
		logx.String("scope", scopeCommunity),
		logx.String("reason", reason))
	return fmt.Errorf("%w: %s", ErrForbidden, reason)
}

func hasPermission(granted []string, want string) bool {
	for _, p := range granted {
		if p == Wildcard || p == want {
			return true
		}
	}
	return false
}
