package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logx "herald/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	allowEmptyDestinations bool
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "herald.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, allowEmptyDestinations: cfg.DefaultAllDestinations}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

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

// ---- campaigns ----

func (s *sqliteStore) Campaign(ctx context.Context, tenantID int64) (Campaign, error) {
	c := Campaign{TenantID: tenantID, IntervalMinutes: DefaultIntervalMinutes}

	var lastRun sql.NullInt64
	var lastErr sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT message, interval_minutes, enabled, sent_total, last_run_at, last_error
		 FROM campaigns WHERE tenant_id = ?`, tenantID,
	).Scan(&c.Message, &c.IntervalMinutes, &c.Enabled, &c.Stats.SentTotal, &lastRun, &lastErr)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// Never-configured tenant: hand back the default record.
	case err != nil:
		return Campaign{}, err
	default:
		if lastRun.Valid {
			c.Stats.LastRunAt = time.UnixMilli(lastRun.Int64)
		}
		c.Stats.LastError = lastErr.String
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT destination_id FROM campaign_destinations WHERE tenant_id = ? ORDER BY destination_id`,
		tenantID)
	if err != nil {
		return Campaign{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return Campaign{}, err
		}
		c.Destinations = append(c.Destinations, id)
	}
	return c, rows.Err()
}

func (s *sqliteStore) SetMessage(ctx context.Context, tenantID int64, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(tenant_id, message) VALUES(?,?)
		 ON CONFLICT(tenant_id) DO UPDATE SET message = excluded.message`,
		tenantID, text)
	return err
}

func (s *sqliteStore) SetInterval(ctx context.Context, tenantID int64, minutes int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(tenant_id, interval_minutes) VALUES(?,?)
		 ON CONFLICT(tenant_id) DO UPDATE SET interval_minutes = excluded.interval_minutes`,
		tenantID, minutes)
	return err
}

func (s *sqliteStore) ToggleDestination(ctx context.Context, tenantID, destinationID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM campaign_destinations WHERE tenant_id = ? AND destination_id = ?`,
		tenantID, destinationID)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n > 0 {
		return false, nil
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO campaign_destinations(tenant_id, destination_id) VALUES(?,?)`,
		tenantID, destinationID)
	return true, err
}

func (s *sqliteStore) SetEnabled(ctx context.Context, tenantID int64, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(tenant_id, enabled) VALUES(?,?)
		 ON CONFLICT(tenant_id) DO UPDATE SET enabled = excluded.enabled`,
		tenantID, enabled)
	return err
}

func (s *sqliteStore) EnforceConstraints(ctx context.Context, tenantID int64) (Campaign, error) {
	c, err := s.Campaign(ctx, tenantID)
	if err != nil {
		return Campaign{}, err
	}
	if c.ConfigValid(s.allowEmptyDestinations) || !c.Enabled {
		return c, nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET enabled = 0 WHERE tenant_id = ?`, tenantID); err != nil {
		return Campaign{}, err
	}
	c.Enabled = false
	return c, nil
}

func (s *sqliteStore) UpdateStats(ctx context.Context, tenantID int64, successes int, errs []string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO campaigns(tenant_id, sent_total, last_run_at, last_error) VALUES(?,?,?,?)
		 ON CONFLICT(tenant_id) DO UPDATE SET
		   sent_total  = sent_total + excluded.sent_total,
		   last_run_at = excluded.last_run_at,
		   last_error  = excluded.last_error`,
		tenantID, successes, now, nullStr(strings.Join(errs, "\n")))
	return err
}

func (s *sqliteStore) EnabledCampaigns(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id FROM campaigns WHERE enabled = 1 ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---- destinations ----

func (s *sqliteStore) UpsertDestination(ctx context.Context, id int64, title string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO destinations(id, title, updated_at) VALUES(?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   title      = CASE WHEN excluded.title = '' THEN destinations.title ELSE excluded.title END,
		   updated_at = excluded.updated_at`,
		id, title, time.Now().UnixMilli())
	return err
}

func (s *sqliteStore) RemoveDestination(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM destinations WHERE id = ?`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_destinations WHERE destination_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) SetReachable(ctx context.Context, ids []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx, `UPDATE destinations SET reachable = 0, updated_at = ?`, now); err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO destinations(id, reachable, updated_at) VALUES(?,1,?)
			 ON CONFLICT(id) DO UPDATE SET reachable = 1, updated_at = excluded.updated_at`,
			id, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Destinations(ctx context.Context) ([]Destination, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, reachable, updated_at FROM destinations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Destination
	for rows.Next() {
		var d Destination
		var updated sql.NullInt64
		if err := rows.Scan(&d.ID, &d.Title, &d.Reachable, &updated); err != nil {
			return nil, err
		}
		if updated.Valid {
			d.UpdatedAt = time.UnixMilli(updated.Int64)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ReachableDestinationIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM destinations WHERE reachable = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---- authorization ledger ----

func (s *sqliteStore) CreatePaymentRequest(ctx context.Context, r PaymentRequest) (string, error) {
	if strings.TrimSpace(r.RequestID) == "" {
		r.RequestID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = PaymentPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payment_requests(request_id, tenant_id, username, full_name, card_number, card_name, status, created_at, resolved_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		r.RequestID, r.TenantID, nullStr(r.Username), nullStr(r.FullName),
		nullStr(r.CardNumber), nullStr(r.CardName), string(r.Status),
		r.CreatedAt.UnixMilli(), unixMS(r.ResolvedAt))
	if err != nil {
		return "", err
	}
	return r.RequestID, nil
}

func (s *sqliteStore) ResolvePaymentRequest(ctx context.Context, requestID string, approved bool) error {
	status := PaymentDeclined
	if approved {
		status = PaymentApproved
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE payment_requests SET status = ?, resolved_at = ?
		 WHERE request_id = ? AND status = ?`,
		string(status), time.Now().UnixMilli(), requestID, string(PaymentPending))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n > 0 {
		return nil
	}
	var got string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM payment_requests WHERE request_id = ?`, requestID).Scan(&got)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrResolved
}

func (s *sqliteStore) PaymentRequest(ctx context.Context, requestID string) (PaymentRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request_id, tenant_id, username, full_name, card_number, card_name, status, created_at, resolved_at
		 FROM payment_requests WHERE request_id = ?`, requestID)
	r, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PaymentRequest{}, ErrNotFound
	}
	return r, err
}

func (s *sqliteStore) PendingPaymentRequests(ctx context.Context) ([]PaymentRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, tenant_id, username, full_name, card_number, card_name, status, created_at, resolved_at
		 FROM payment_requests WHERE status = ? ORDER BY created_at`, string(PaymentPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []PaymentRequest
	for rows.Next() {
		r, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AuthorizationValid(ctx context.Context, tenantID int64, window time.Duration) (bool, error) {
	cutoff := time.Now().Add(-window).UnixMilli()
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM payment_requests
		 WHERE tenant_id = ? AND status = ? AND resolved_at >= ?`,
		tenantID, string(PaymentApproved), cutoff).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) SystemAuthorizationValid(ctx context.Context, window time.Duration) (bool, error) {
	return s.AuthorizationValid(ctx, SystemTenant, window)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (PaymentRequest, error) {
	var r PaymentRequest
	var username, fullName, cardNumber, cardName sql.NullString
	var status string
	var created int64
	var resolved sql.NullInt64
	err := row.Scan(&r.RequestID, &r.TenantID, &username, &fullName, &cardNumber, &cardName,
		&status, &created, &resolved)
	if err != nil {
		return PaymentRequest{}, err
	}
	r.Username = username.String
	r.FullName = fullName.String
	r.CardNumber = cardNumber.String
	r.CardName = cardName.String
	r.Status = PaymentStatus(status)
	r.CreatedAt = time.UnixMilli(created)
	if resolved.Valid {
		r.ResolvedAt = time.UnixMilli(resolved.Int64)
	}
	return r, nil
}

func unixMS(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
