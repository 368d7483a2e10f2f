package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "beacon/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withTx runs fn inside a transaction and rolls back on error.
func (s *sqliteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// insertAudit is used inside every audited transaction; a failure here
// aborts the whole transaction.
func insertAudit(ctx context.Context, tx *sql.Tx, e AuditEntry) error {
	e = finishEntry(e)
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_log(id, at, actor_id, action, target_id, community_id, detail)
		 VALUES(?,?,?,?,?,?,?)`,
		e.ID, fmtTime(e.At), e.ActorID, e.Action, e.TargetID, nullStr(e.CommunityID), nullStr(e.DetailJSON),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuditWrite, err)
	}
	return nil
}

// timeLayout is RFC 3339 with fixed-width nanoseconds. The driver
// compares encoded timestamps as strings (DueDeliveries, ClaimDelivery,
// audit ORDER BY), and RFC3339Nano drops trailing zeros, which breaks
// lexicographic order around whole seconds.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func strOrEmpty(v sql.NullString) string {
	if v.Valid {
		return v.String
	}
	return ""
}

func isUniqueErr(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column) ||
		strings.Contains(msg, "constraint failed: "+column)
}

// ---- Communities ----

func (s *sqliteStore) CreateCommunity(ctx context.Context, c CommunityRecord, audit AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO communities(id, name, invite_slug, join_code, code_active, created_at)
			 VALUES(?,?,?,?,?,?)`,
			c.ID, c.Name, c.InviteSlug, nullStr(c.JoinCode), boolInt(c.CodeActive), fmtTime(c.CreatedAt),
		)
		if err != nil {
			if isUniqueErr(err, "invite_slug") || isUniqueErr(err, "join_code") {
				return fmt.Errorf("%w: %v", ErrConflict, err)
			}
			return err
		}
		return insertAudit(ctx, tx, audit)
	})
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

const communityCols = `id, name, invite_slug, join_code, code_active, created_at`

func scanCommunity(row interface{ Scan(...any) error }) (CommunityRecord, error) {
	var (
		c      CommunityRecord
		code   sql.NullString
		active int
		at     string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.InviteSlug, &code, &active, &at); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CommunityRecord{}, ErrNotFound
		}
		return CommunityRecord{}, err
	}
	c.JoinCode = strOrEmpty(code)
	c.CodeActive = active == 1
	c.CreatedAt = parseTime(at)
	return c, nil
}

func (s *sqliteStore) GetCommunity(ctx context.Context, id string) (CommunityRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+communityCols+` FROM communities WHERE id = ?`, id)
	return scanCommunity(row)
}

func (s *sqliteStore) FindCommunityByActiveCode(ctx context.Context, code string) (CommunityRecord, error) {
	if strings.TrimSpace(code) == "" {
		return CommunityRecord{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+communityCols+` FROM communities WHERE join_code = ? AND code_active = 1`, code)
	return scanCommunity(row)
}

func (s *sqliteStore) SetJoinCode(ctx context.Context, id, code string, active bool, audit AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE communities SET join_code = ?, code_active = ? WHERE id = ?`,
			nullStr(code), boolInt(active), id,
		)
		if err != nil {
			if isUniqueErr(err, "join_code") {
				return fmt.Errorf("%w: join code %q", ErrConflict, code)
			}
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return insertAudit(ctx, tx, audit)
	})
}

// ---- Members and memberships ----

func (s *sqliteStore) PutMember(ctx context.Context, m MemberRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO members(id, display_name, created_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name`,
		m.ID, m.DisplayName, fmtTime(m.CreatedAt),
	)
	return err
}

func (s *sqliteStore) GetMember(ctx context.Context, id string) (MemberRecord, error) {
	var (
		m  MemberRecord
		at string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, created_at FROM members WHERE id = ?`, id,
	).Scan(&m.ID, &m.DisplayName, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return MemberRecord{}, ErrNotFound
	}
	if err != nil {
		return MemberRecord{}, err
	}
	m.CreatedAt = parseTime(at)
	return m, nil
}

func (s *sqliteStore) AddMembership(ctx context.Context, m MembershipRecord, audit AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var active int
		err := tx.QueryRowContext(ctx,
			`SELECT active FROM memberships WHERE community_id = ? AND member_id = ? AND channel = ?`,
			m.CommunityID, m.MemberID, m.Channel,
		).Scan(&active)
		switch {
		case err == nil && active == 1:
			return ErrMembershipActive
		case err == nil:
			// Reactivate the existing association; its original insertion
			// order (rowid) is preserved.
			_, err = tx.ExecContext(ctx,
				`UPDATE memberships SET active = 1, address = ?, joined_at = ?
				 WHERE community_id = ? AND member_id = ? AND channel = ?`,
				m.Address, fmtTime(m.JoinedAt), m.CommunityID, m.MemberID, m.Channel,
			)
			if err != nil {
				return err
			}
		case errors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx,
				`INSERT INTO memberships(community_id, member_id, channel, address, active, joined_at)
				 VALUES(?,?,?,?,1,?)`,
				m.CommunityID, m.MemberID, m.Channel, m.Address, fmtTime(m.JoinedAt),
			)
			if err != nil {
				return err
			}
		default:
			return err
		}
		return insertAudit(ctx, tx, audit)
	})
}

func (s *sqliteStore) DeactivateMembership(ctx context.Context, communityID, memberID, channel string, audit AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE memberships SET active = 0
			 WHERE community_id = ? AND member_id = ? AND channel = ? AND active = 1`,
			communityID, memberID, channel,
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return insertAudit(ctx, tx, audit)
	})
}

func (s *sqliteStore) ListActiveMemberships(ctx context.Context, communityID string) ([]MembershipRecord, error) {
	// Isolation invariant: one equality filter on community id plus active.
	// Rowid order keeps resolution stable across runs.
	rows, err := s.db.QueryContext(ctx,
		`SELECT community_id, member_id, channel, address, joined_at
		 FROM memberships
		 WHERE community_id = ? AND active = 1
		 ORDER BY rowid`,
		communityID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []MembershipRecord
	for rows.Next() {
		var (
			m  MembershipRecord
			at string
		)
		if err := rows.Scan(&m.CommunityID, &m.MemberID, &m.Channel, &m.Address, &at); err != nil {
			return nil, err
		}
		m.Active = true
		m.JoinedAt = parseTime(at)
		out = append(out, m)
	}
	return out, rows.Err()
}

// ---- Broadcasts ----

func (s *sqliteStore) CreateBroadcast(ctx context.Context, b BroadcastRecord, deliveries []DeliveryRecord, audit AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO broadcasts(id, community_id, content, status, idempotency_key, scheduled_at, created_at)
			 VALUES(?,?,?,?,?,?,?)`,
			b.ID, b.CommunityID, b.Content, string(b.Status), nullStr(b.IdempotencyKey), nullTime(b.ScheduledAt), fmtTime(b.CreatedAt),
		)
		if err != nil {
			if isUniqueErr(err, "idempotency_key") {
				return ErrIdempotencyConflict
			}
			return err
		}
		if err := insertDeliveries(ctx, tx, deliveries); err != nil {
			return err
		}
		return insertAudit(ctx, tx, audit)
	})
}

func insertDeliveries(ctx context.Context, tx *sql.Tx, deliveries []DeliveryRecord) error {
	for _, d := range deliveries {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO deliveries(id, broadcast_id, community_id, member_id, vehicle, address,
			                        status, retry_count, next_retry_at, claimed_at, last_error, created_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
			d.ID, d.BroadcastID, d.CommunityID, d.MemberID, d.Vehicle, d.Address,
			string(d.Status), d.RetryCount, fmtTime(d.NextRetryAt), nullTime(d.ClaimedAt), nullStr(d.LastError), fmtTime(d.CreatedAt),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

const broadcastCols = `id, community_id, content, status, idempotency_key, scheduled_at, created_at`

func scanBroadcast(row interface{ Scan(...any) error }) (BroadcastRecord, error) {
	var (
		b         BroadcastRecord
		status    string
		key       sql.NullString
		scheduled sql.NullString
		created   string
	)
	if err := row.Scan(&b.ID, &b.CommunityID, &b.Content, &status, &key, &scheduled, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BroadcastRecord{}, ErrNotFound
		}
		return BroadcastRecord{}, err
	}
	b.Status = BroadcastStatus(status)
	b.IdempotencyKey = strOrEmpty(key)
	b.ScheduledAt = parseTime(strOrEmpty(scheduled))
	b.CreatedAt = parseTime(created)
	return b, nil
}

func (s *sqliteStore) GetBroadcast(ctx context.Context, id string) (BroadcastRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+broadcastCols+` FROM broadcasts WHERE id = ?`, id)
	return scanBroadcast(row)
}

func (s *sqliteStore) FindBroadcastByIdempotencyKey(ctx context.Context, key string) (BroadcastRecord, error) {
	if strings.TrimSpace(key) == "" {
		return BroadcastRecord{}, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+broadcastCols+` FROM broadcasts WHERE idempotency_key = ?`, key)
	return scanBroadcast(row)
}

func (s *sqliteStore) DueScheduledBroadcasts(ctx context.Context, now time.Time) ([]BroadcastRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+broadcastCols+` FROM broadcasts
		 WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		 ORDER BY scheduled_at`,
		string(BroadcastScheduled), fmtTime(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BroadcastRecord
	for rows.Next() {
		b, err := scanBroadcast(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ReleaseBroadcast(ctx context.Context, id string, deliveries []DeliveryRecord, audit AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE broadcasts SET status = ? WHERE id = ? AND status = ?`,
			string(BroadcastActive), id, string(BroadcastScheduled),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		if err := insertDeliveries(ctx, tx, deliveries); err != nil {
			return err
		}
		return insertAudit(ctx, tx, audit)
	})
}

func (s *sqliteStore) CancelBroadcast(ctx context.Context, id string, at time.Time, audit AuditEntry) ([]string, error) {
	var cancelled []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM broadcasts WHERE id = ?`, id).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if BroadcastStatus(status) == BroadcastCancelled {
			// Idempotent: nothing to do, nothing to re-audit.
			return nil
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM deliveries WHERE broadcast_id = ? AND status = ? ORDER BY rowid`,
			id, string(DeliveryPending),
		)
		if err != nil {
			return err
		}
		for rows.Next() {
			var did string
			if err := rows.Scan(&did); err != nil {
				rows.Close()
				return err
			}
			cancelled = append(cancelled, did)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE broadcasts SET status = ? WHERE id = ?`, string(BroadcastCancelled), id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE deliveries SET status = ? WHERE broadcast_id = ? AND status = ?`,
			string(DeliveryCancelled), id, string(DeliveryPending)); err != nil {
			return err
		}

		audit.DetailJSON = cancelDetail(cancelled)
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// ---- Deliveries ----

const deliveryCols = `id, broadcast_id, community_id, member_id, vehicle, address,
       status, retry_count, next_retry_at, claimed_at, last_error, created_at`

func scanDelivery(row interface{ Scan(...any) error }) (DeliveryRecord, error) {
	var (
		d       DeliveryRecord
		status  string
		nextAt  string
		claimed sql.NullString
		lastErr sql.NullString
		created string
	)
	if err := row.Scan(&d.ID, &d.BroadcastID, &d.CommunityID, &d.MemberID, &d.Vehicle, &d.Address,
		&status, &d.RetryCount, &nextAt, &claimed, &lastErr, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DeliveryRecord{}, ErrNotFound
		}
		return DeliveryRecord{}, err
	}
	d.Status = DeliveryStatus(status)
	d.NextRetryAt = parseTime(nextAt)
	d.ClaimedAt = parseTime(strOrEmpty(claimed))
	d.LastError = strOrEmpty(lastErr)
	d.CreatedAt = parseTime(created)
	return d, nil
}

func (s *sqliteStore) DueDeliveries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 {
		limit = 128
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM deliveries
		 WHERE (status = ? AND next_retry_at <= ?)
		    OR (status = ? AND claimed_at IS NOT NULL AND claimed_at <= ?)
		 ORDER BY rowid
		 LIMIT ?`,
		string(DeliveryPending), fmtTime(now),
		string(DeliverySending), fmtTime(now.Add(-lease)),
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClaimDelivery(ctx context.Context, id string, now time.Time, lease time.Duration) (DeliveryRecord, bool, error) {
	// Single conditional update: zero rows affected means another worker
	// already owns the delivery.
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, claimed_at = ?
		 WHERE id = ?
		   AND ((status = ? AND next_retry_at <= ?)
		     OR (status = ? AND claimed_at IS NOT NULL AND claimed_at <= ?))`,
		string(DeliverySending), fmtTime(now),
		id,
		string(DeliveryPending), fmtTime(now),
		string(DeliverySending), fmtTime(now.Add(-lease)),
	)
	if err != nil {
		return DeliveryRecord{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return DeliveryRecord{}, false, err
	}
	if n == 0 {
		return DeliveryRecord{}, false, nil
	}
	// The row is now ours until released; read back its current retry
	// state so the attempt works from the truth, not a scan snapshot.
	d, err := scanDelivery(s.db.QueryRowContext(ctx,
		`SELECT `+deliveryCols+` FROM deliveries WHERE id = ?`, id))
	if err != nil {
		return DeliveryRecord{}, false, err
	}
	return d, true, nil
}

func (s *sqliteStore) MarkDeliverySent(ctx context.Context, id string, at time.Time, audit AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE deliveries SET status = ?, claimed_at = NULL, last_error = NULL
			 WHERE id = ? AND status = ?`,
			string(DeliverySent), id, string(DeliverySending),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return insertAudit(ctx, tx, audit)
	})
}

func (s *sqliteStore) MarkDeliveryFailed(ctx context.Context, id string, retryCount int, reason string, at time.Time, audit AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE deliveries SET status = ?, claimed_at = NULL, retry_count = ?, last_error = ?
			 WHERE id = ? AND status = ?`,
			string(DeliveryFailed), retryCount, nullStr(reason), id, string(DeliverySending),
		)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return insertAudit(ctx, tx, audit)
	})
}

func (s *sqliteStore) RescheduleDelivery(ctx context.Context, id string, retryCount int, nextAt time.Time, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status = ?, claimed_at = NULL, retry_count = ?, next_retry_at = ?, last_error = ?
		 WHERE id = ? AND status = ?`,
		string(DeliveryPending), retryCount, fmtTime(nextAt), nullStr(reason),
		id, string(DeliverySending),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) ListDeliveries(ctx context.Context, broadcastID string) ([]DeliveryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM deliveries WHERE broadcast_id = ? ORDER BY rowid`, broadcastID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) BroadcastCounts(ctx context.Context, broadcastID string) (BroadcastCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM deliveries WHERE broadcast_id = ? GROUP BY status`, broadcastID)
	if err != nil {
		return BroadcastCounts{}, err
	}
	defer rows.Close()

	var c BroadcastCounts
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return BroadcastCounts{}, err
		}
		switch DeliveryStatus(status) {
		case DeliveryPending:
			c.Pending = n
		case DeliverySending:
			c.Sending = n
		case DeliverySent:
			c.Sent = n
		case DeliveryFailed:
			c.Failed = n
		case DeliveryCancelled:
			c.Cancelled = n
		}
	}
	return c, rows.Err()
}

// ---- Roles ----

func (s *sqliteStore) UpsertRole(ctx context.Context, r RoleRecord) error {
	perms, err := marshalPermissions(r.Permissions)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO roles(name, permissions) VALUES(?,?)
		 ON CONFLICT(name) DO UPDATE SET permissions = excluded.permissions`,
		r.Name, perms,
	)
	return err
}

func (s *sqliteStore) GetRole(ctx context.Context, name string) (RoleRecord, error) {
	var perms string
	err := s.db.QueryRowContext(ctx, `SELECT permissions FROM roles WHERE name = ?`, name).Scan(&perms)
	if errors.Is(err, sql.ErrNoRows) {
		return RoleRecord{}, ErrNotFound
	}
	if err != nil {
		return RoleRecord{}, err
	}
	list, err := unmarshalPermissions(perms)
	if err != nil {
		return RoleRecord{}, err
	}
	return RoleRecord{Name: name, Permissions: list}, nil
}

// ---- Audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertAudit(ctx, tx, e)
	})
}

func (s *sqliteStore) QueryAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	q := `SELECT id, at, actor_id, action, target_id, community_id, detail FROM audit_log WHERE 1=1`
	args := make([]any, 0, 5)
	if f.ActorID != "" {
		q += ` AND actor_id = ?`
		args = append(args, f.ActorID)
	}
	if f.Action != "" {
		q += ` AND action = ?`
		args = append(args, f.Action)
	}
	if f.TargetID != "" {
		q += ` AND target_id = ?`
		args = append(args, f.TargetID)
	}
	if f.CommunityID != "" {
		q += ` AND community_id = ?`
		args = append(args, f.CommunityID)
	}
	q += ` ORDER BY at`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e         AuditEntry
			at        string
			community sql.NullString
			detail    sql.NullString
		)
		if err := rows.Scan(&e.ID, &at, &e.ActorID, &e.Action, &e.TargetID, &community, &detail); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		e.CommunityID = strOrEmpty(community)
		e.DetailJSON = strOrEmpty(detail)
		out = append(out, e)
	}
	return out, rows.Err()
}

func marshalPermissions(perms []string) (string, error) {
	if perms == nil {
		perms = []string{}
	}
	b, err := json.Marshal(perms)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalPermissions(raw string) ([]string, error) {
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("roles: bad permissions payload: %w", err)
	}
	return out, nil
}
