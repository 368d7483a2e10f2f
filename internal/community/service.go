// Package community manages community records, invite slugs, and
// self-registration join codes.
package community

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"beacon/internal/audit"
	"beacon/internal/membership"
	"beacon/internal/storage"
	logx "beacon/pkg/logx"
)

// ErrInvalidCode is returned by JoinByCode when no community has the
// given code active.
var ErrInvalidCode = errors.New("community: invalid join code")

const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no 0/O/1/I
	codeLength   = 8
	slugAttempts = 5
)

type Service struct {
	store    storage.Store
	registry *membership.Registry
	log      logx.Logger
	now      func() time.Time
}

func NewService(store storage.Store, registry *membership.Registry, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:    store,
		registry: registry,
		log:      log.With(logx.String("svc", "community")),
		now:      time.Now,
	}
}

// Create persists a new community with a unique invite slug derived
// from the name. On a slug collision it retries with a random suffix.
func (s *Service) Create(ctx context.Context, actorID, name string) (storage.CommunityRecord, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.CommunityRecord{}, errors.New("community: name is required")
	}

	base := Slugify(name)
	slug := base
	for attempt := 0; attempt < slugAttempts; attempt++ {
		c := storage.CommunityRecord{
			ID:         uuid.NewString(),
			Name:       name,
			InviteSlug: slug,
			CreatedAt:  s.now().UTC(),
		}
		entry := audit.Entry(actorID, audit.ActionCommunityCreate, c.ID, c.ID,
			map[string]string{"name": name, "invite_slug": slug})
		err := s.store.CreateCommunity(ctx, c, entry)
		if err == nil {
			s.log.Info("community created", logx.String("community", c.ID), logx.String("slug", slug))
			return c, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return storage.CommunityRecord{}, err
		}
		slug = base + "-" + strings.ToLower(randomCode(4))
	}
	return storage.CommunityRecord{}, fmt.Errorf("%w: invite slug %q", storage.ErrConflict, base)
}

// ActivateJoinCode assigns a fresh join code and marks it active so
// members can self-register with it.
func (s *Service) ActivateJoinCode(ctx context.Context, actorID, communityID string) (string, error) {
	code := randomCode(codeLength)
	entry := audit.Entry(actorID, audit.ActionCodeSet, communityID, communityID,
		map[string]any{"active": true})
	if err := s.store.SetJoinCode(ctx, communityID, code, true, entry); err != nil {
		return "", err
	}
	s.log.Info("join code activated", logx.String("community", communityID))
	return code, nil
}

// DeactivateJoinCode turns off self-registration; the code value is
// kept so it shows in the community record but no longer matches joins.
func (s *Service) DeactivateJoinCode(ctx context.Context, actorID, communityID string) error {
	c, err := s.store.GetCommunity(ctx, communityID)
	if err != nil {
		return err
	}
	entry := audit.Entry(actorID, audit.ActionCodeSet, communityID, communityID,
		map[string]any{"active": false})
	return s.store.SetJoinCode(ctx, communityID, c.JoinCode, false, entry)
}

// JoinByCode self-registers a member into the community whose join code
// is active and equal to code. The member acts as their own actor in
// the audit trail.
func (s *Service) JoinByCode(ctx context.Context, code string, member storage.MemberRecord, channel, address string) (storage.CommunityRecord, error) {
	c, err := s.store.FindCommunityByActiveCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if errors.Is(err, storage.ErrNotFound) {
		return storage.CommunityRecord{}, ErrInvalidCode
	}
	if err != nil {
		return storage.CommunityRecord{}, err
	}

	if err := s.registry.AddMember(ctx, member.ID, c.ID, member, channel, address); err != nil {
		return storage.CommunityRecord{}, err
	}
	// The add above wrote MEMBER_ADD; the join path gets its own entry so
	// self-registrations are distinguishable from operator adds.
	joinEntry := audit.Entry(member.ID, audit.ActionMemberJoin, member.ID, c.ID,
		map[string]string{"channel": channel})
	if err := s.store.AppendAudit(ctx, joinEntry); err != nil {
		return storage.CommunityRecord{}, err
	}
	return c, nil
}

func (s *Service) Get(ctx context.Context, id string) (storage.CommunityRecord, error) {
	return s.store.GetCommunity(ctx, id)
}

// Slugify lowercases the name and collapses every non-alphanumeric run
// into a single dash.
func Slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

func randomCode(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails when the OS entropy source is broken;
		// fall back to a uuid-derived code rather than returning an error.
		return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:n]
	}
	for i, c := range buf {
		buf[i] = codeAlphabet[int(c)%len(codeAlphabet)]
	}
	return string(buf)
}
