package dao

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/modfin/offer/internal/timex"
	"github.com/modfin/offer/tools"
	"github.com/sirupsen/logrus"
)

var ErrNotFound = errors.New("not found")

// ErrNoTransition is returned by the conditional updates when the record was
// not in any of the expected statuses, ie someone else moved it first.
var ErrNoTransition = errors.New("record was not in an expected status")

type DAO interface {
	CreateOfferSend(ctx context.Context, send *OfferSend) error
	GetOfferSend(ctx context.Context, id string) (*OfferSend, error)
	ScheduleOfferSend(ctx context.Context, id string, from []SendStatus, scheduledFor time.Time, now time.Time) error
	CancelOfferSend(ctx context.Context, id string, from []SendStatus, now time.Time) error
	GetDueOfferSends(ctx context.Context, now time.Time, limit int) ([]OfferSend, error)
	MarkOfferSendSent(ctx context.Context, id string, now time.Time) error
	MarkOfferSendRetry(ctx context.Context, id string, retryCount int, next time.Time, errMsg string, now time.Time) error
	MarkOfferSendFailed(ctx context.Context, id string, retryCount int, errMsg string, now time.Time) error
	GetOfferSendLog(ctx context.Context, id string) ([]LogEntry, error)

	CreateApproval(ctx context.Context, a *OfferApproval) error
	GetApproval(ctx context.Context, id string) (*OfferApproval, error)
	GetApprovalByPublicToken(ctx context.Context, token string) (*OfferApproval, error)
	UpdateApprovalIf(ctx context.Context, a *OfferApproval, from []string) error
	GetExpirableApprovals(ctx context.Context, now time.Time, statuses []string, limit int) ([]OfferApproval, error)

	LeaseStore

	Close() error
}

// LeaseStore is the shared keyed lease table backing lock.Shared.
type LeaseStore interface {
	AcquireLease(ctx context.Context, key, owner string, now, expiresAt time.Time) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
	DeleteExpiredLeases(ctx context.Context, now time.Time) (int64, error)
}

const DriverSQLite = "sqlite3"
const DriverPostgres = "postgres"

func New(driver, uri string, lc *tools.Logger) (DAO, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
	s := &store{driver: driver, uri: uri, log: lc.New("dao")}
	err := s.ensureSchema()
	return s, err
}

func NewSQLite(path string, lc *tools.Logger) (DAO, error) {
	return New(DriverSQLite, path, lc)
}

type store struct {
	db     *sqlx.DB
	driver string
	uri    string
	log    *logrus.Logger
}

const offerSendColumns = `id, project_id, project_label, user_id, client_email, subject, message, pdf_url,
	status, scheduled_for, retry_count, max_retries, last_retry_at, error_message,
	processed_at, sent_at, created_at, updated_at`

const approvalColumns = `id, offer_send_id, user_id, public_token, accept_token, status, client_name,
	client_email, accepted_at, accepted_via, rejected_reason, rejected_at, viewed_at, valid_until,
	withdrawn_at, expired_at, snapshot_ref, created_at, updated_at`

// CreateOfferSend defaults MaxRetries to DefaultMaxRetries, a send always
// gets at least one attempt.
func (s *store) CreateOfferSend(ctx context.Context, send *OfferSend) (err error) {
	if send.MaxRetries < 1 {
		send.MaxRetries = DefaultMaxRetries
	}
	if send.RetryCount < 0 || send.RetryCount > send.MaxRetries {
		return fmt.Errorf("retry count %d is outside 0..%d", send.RetryCount, send.MaxRetries)
	}
	q := `
	INSERT INTO offer_send (` + offerSendColumns + `)
	VALUES (:id, :project_id, :project_label, :user_id, :client_email, :subject, :message, :pdf_url,
	        :status, :scheduled_for, :retry_count, :max_retries, :last_retry_at, :error_message,
	        :processed_at, :sent_at, :created_at, :updated_at)
	`
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.NamedExecContext(ctx, q, send)
		if err != nil {
			return fmt.Errorf("failed to insert into offer_send, %w", err)
		}
		return s.addLogEntryTx(ctx, tx, send.ID, send.CreatedAt.Time, fmt.Sprintf("offer send created with status %s", send.Status))
	})
}

func (s *store) GetOfferSend(ctx context.Context, id string) (*OfferSend, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var send OfferSend
	err = db.GetContext(ctx, &send, db.Rebind(`SELECT `+offerSendColumns+` FROM offer_send WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("offer send %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offer send %s, %w", id, err)
	}
	return &send, nil
}

func (s *store) ScheduleOfferSend(ctx context.Context, id string, from []SendStatus, scheduledFor time.Time, now time.Time) error {
	q := `
		UPDATE offer_send
		SET status = ?,
		    scheduled_for = ?,
		    retry_count = 0,
		    last_retry_at = NULL,
		    processed_at = NULL,
		    error_message = '',
		    updated_at = ?
		WHERE id = ?
		  AND status IN (` + placeholders(len(from)) + `)
	`
	args := []any{SendStatusScheduled, timex.Format(scheduledFor), timex.Format(now), id}
	args = append(args, statusArgs(from)...)
	return s.transition(ctx, id, now, fmt.Sprintf("scheduled for %s, retry cycle reset", timex.Format(scheduledFor)), q, args...)
}

func (s *store) CancelOfferSend(ctx context.Context, id string, from []SendStatus, now time.Time) error {
	q := `
		UPDATE offer_send
		SET status = ?,
		    updated_at = ?
		WHERE id = ?
		  AND status IN (` + placeholders(len(from)) + `)
	`
	args := []any{SendStatusCanceled, timex.Format(now), id}
	args = append(args, statusArgs(from)...)
	return s.transition(ctx, id, now, "canceled", q, args...)
}

func (s *store) GetDueOfferSends(ctx context.Context, now time.Time, limit int) ([]OfferSend, error) {
	q := `
	    SELECT ` + offerSendColumns + `
		FROM offer_send
		WHERE status = ?
		  AND scheduled_for <= ?
		ORDER BY scheduled_for, id
		LIMIT ?
	`
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var sends []OfferSend
	err = db.SelectContext(ctx, &sends, db.Rebind(q), SendStatusScheduled, timex.Format(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due offer sends, %w", err)
	}
	return sends, nil
}

func (s *store) MarkOfferSendSent(ctx context.Context, id string, now time.Time) error {
	q := `
		UPDATE offer_send
		SET status = ?,
		    processed_at = ?,
		    sent_at = ?,
		    error_message = '',
		    updated_at = ?
		WHERE id = ?
		  AND status = ?
	`
	ts := timex.Format(now)
	return s.transition(ctx, id, now, "delivered", q, SendStatusSent, ts, ts, ts, id, SendStatusScheduled)
}

func (s *store) MarkOfferSendRetry(ctx context.Context, id string, retryCount int, next time.Time, errMsg string, now time.Time) error {
	q := `
		UPDATE offer_send
		SET retry_count = ?,
		    scheduled_for = ?,
		    last_retry_at = ?,
		    error_message = ?,
		    updated_at = ?
		WHERE id = ?
		  AND status = ?
	`
	ts := timex.Format(now)
	log := fmt.Sprintf("delivery attempt %d failed, retrying at %s: %s", retryCount, timex.Format(next), errMsg)
	return s.transition(ctx, id, now, log, q, retryCount, timex.Format(next), ts, errMsg, ts, id, SendStatusScheduled)
}

func (s *store) MarkOfferSendFailed(ctx context.Context, id string, retryCount int, errMsg string, now time.Time) error {
	q := `
		UPDATE offer_send
		SET status = ?,
		    retry_count = ?,
		    last_retry_at = ?,
		    processed_at = ?,
		    error_message = ?,
		    updated_at = ?
		WHERE id = ?
		  AND status = ?
	`
	ts := timex.Format(now)
	log := fmt.Sprintf("delivery attempt %d failed, giving up: %s", retryCount, errMsg)
	return s.transition(ctx, id, now, log, q, SendStatusFailed, retryCount, ts, ts, errMsg, ts, id, SendStatusScheduled)
}

func (s *store) GetOfferSendLog(ctx context.Context, id string) ([]LogEntry, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var entries []LogEntry
	q := `SELECT offer_send_id, created_at, log FROM offer_send_log WHERE offer_send_id = ? ORDER BY created_at`
	err = db.SelectContext(ctx, &entries, db.Rebind(q), id)
	if err != nil {
		return nil, fmt.Errorf("failed to get log for %s, %w", id, err)
	}
	return entries, nil
}

// transition runs a conditional update and logs it in the same tx. Zero
// affected rows means the status guard failed.
func (s *store) transition(ctx context.Context, id string, now time.Time, logMsg string, q string, args ...any) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(q), args...)
		if err != nil {
			return fmt.Errorf("failed to update offer send %s, %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			return fmt.Errorf("could not transition offer send %s, %d rows affected: %w", id, affected, ErrNoTransition)
		}
		return s.addLogEntryTx(ctx, tx, id, now, logMsg)
	})
}

func (s *store) addLogEntryTx(ctx context.Context, tx *sqlx.Tx, id string, at time.Time, log string) error {
	q := `
	INSERT INTO offer_send_log (offer_send_id, created_at, log)
	VALUES (?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, tx.Rebind(q), id, timex.Format(at), log)
	if err != nil {
		return fmt.Errorf("failed to insert log entry, %w", err)
	}
	return nil
}

func (s *store) CreateApproval(ctx context.Context, a *OfferApproval) error {
	q := `
	INSERT INTO offer_approval (` + approvalColumns + `)
	VALUES (:id, :offer_send_id, :user_id, :public_token, :accept_token, :status, :client_name,
	        :client_email, :accepted_at, :accepted_via, :rejected_reason, :rejected_at, :viewed_at, :valid_until,
	        :withdrawn_at, :expired_at, :snapshot_ref, :created_at, :updated_at)
	`
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.NamedExecContext(ctx, q, a)
	if err != nil {
		return fmt.Errorf("failed to insert into offer_approval, %w", err)
	}
	return nil
}

func (s *store) GetApproval(ctx context.Context, id string) (*OfferApproval, error) {
	return s.getApproval(ctx, "id", id)
}

func (s *store) GetApprovalByPublicToken(ctx context.Context, token string) (*OfferApproval, error) {
	if token == "" {
		return nil, fmt.Errorf("empty token: %w", ErrNotFound)
	}
	return s.getApproval(ctx, "public_token", token)
}

func (s *store) getApproval(ctx context.Context, column string, value string) (*OfferApproval, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var a OfferApproval
	err = db.GetContext(ctx, &a, db.Rebind(`SELECT `+approvalColumns+` FROM offer_approval WHERE `+column+` = ?`), value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("offer approval: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offer approval, %w", err)
	}
	return &a, nil
}

// UpdateApprovalIf writes the mutable fields of a, provided the stored status
// is still one of from.
func (s *store) UpdateApprovalIf(ctx context.Context, a *OfferApproval, from []string) error {
	q := `
		UPDATE offer_approval
		SET status = ?,
		    accepted_at = ?,
		    accepted_via = ?,
		    rejected_reason = ?,
		    rejected_at = ?,
		    viewed_at = ?,
		    withdrawn_at = ?,
		    expired_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND status IN (` + placeholders(len(from)) + `)
	`
	args := []any{a.Status, a.AcceptedAt, a.AcceptedVia, a.RejectedReason, a.RejectedAt, a.ViewedAt,
		a.WithdrawnAt, a.ExpiredAt, a.UpdatedAt, a.ID}
	for _, f := range from {
		args = append(args, f)
	}

	db, err := s.getDB()
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, db.Rebind(q), args...)
	if err != nil {
		return fmt.Errorf("failed to update offer approval %s, %w", a.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("could not transition offer approval %s to %s: %w", a.ID, a.Status, ErrNoTransition)
	}
	return nil
}

func (s *store) GetExpirableApprovals(ctx context.Context, now time.Time, statuses []string, limit int) ([]OfferApproval, error) {
	q := `
		SELECT ` + approvalColumns + `
		FROM offer_approval
		WHERE valid_until IS NOT NULL
		  AND valid_until <= ?
		  AND status IN (` + placeholders(len(statuses)) + `)
		ORDER BY valid_until, id
		LIMIT ?
	`
	args := []any{timex.Format(now)}
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, limit)

	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	var approvals []OfferApproval
	err = db.SelectContext(ctx, &approvals, db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query expirable approvals, %w", err)
	}
	return approvals, nil
}

func (s *store) AcquireLease(ctx context.Context, key, owner string, now, expiresAt time.Time) (bool, error) {
	q := `
		INSERT INTO lease (lease_key, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (lease_key) DO UPDATE
		SET owner = excluded.owner,
		    expires_at = excluded.expires_at
		WHERE lease.expires_at <= ?
	`
	db, err := s.getDB()
	if err != nil {
		return false, err
	}
	res, err := db.ExecContext(ctx, db.Rebind(q), key, owner, timex.Format(expiresAt), timex.Format(now))
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s, %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *store) ReleaseLease(ctx context.Context, key, owner string) error {
	db, err := s.getDB()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, db.Rebind(`DELETE FROM lease WHERE lease_key = ? AND owner = ?`), key, owner)
	if err != nil {
		return fmt.Errorf("failed to release lease %s, %w", key, err)
	}
	return nil
}

func (s *store) DeleteExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	db, err := s.getDB()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM lease WHERE expires_at <= ?`), timex.Format(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired leases, %w", err)
	}
	return res.RowsAffected()
}

func (s *store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func placeholders(n int) string {
	if n < 1 {
		// an empty IN list matches nothing
		return "NULL"
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func statusArgs(statuses []SendStatus) []any {
	var args []any
	for _, st := range statuses {
		args = append(args, st)
	}
	return args
}

func (s *store) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	var tx *sqlx.Tx
	tx, err = s.getTX(ctx)
	if err != nil {
		return fmt.Errorf("failed to get transaction, err %w", err)
	}
	defer func() {
		if err == nil {
			err = tx.Commit()
			return
		}
		_ = tx.Rollback()
	}()
	err = fn(tx)
	return err
}

func (s *store) tuneDatabase() error {
	if s.driver != DriverSQLite {
		return nil
	}
	q := `pragma journal_mode = WAL;
			pragma synchronous = normal;
			pragma temp_store = memory;
			pragma busy_timeout = 5000;`

	if s.db == nil {
		return errors.New("db must be instantiated")
	}
	_, err := s.db.Exec(q)
	return err
}

func (s *store) getDB() (*sqlx.DB, error) {

	var err error
	for s.db == nil || s.db.Ping() != nil {

		if s.db != nil {
			_ = s.db.Close()
			s.db = nil
		}

		s.log.WithField("driver", s.driver).Info("connecting to db")
		s.db, err = sqlx.Connect(s.driver, s.uri)
		if err != nil {
			return nil, fmt.Errorf("error while connecting, %w", err)
		}
		if s.driver == DriverSQLite {
			// sqlite serializes writers anyway, one connection avoids SQLITE_BUSY between them
			s.db.SetMaxOpenConns(1)
		}
		err := s.tuneDatabase()
		if err != nil {
			return nil, fmt.Errorf("error while tuning db instance, %w", err)
		}
	}

	return s.db, nil
}

func (s *store) getTX(ctx context.Context) (*sqlx.Tx, error) {
	db, err := s.getDB()
	if err != nil {
		return nil, err
	}
	return db.BeginTxx(ctx, nil)
}

func (s *store) ensureSchema() error {

	db, err := s.getDB()
	if err != nil {
		return fmt.Errorf("could not get db, %w", err)
	}

	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS offer_send (
	    id TEXT PRIMARY KEY,
	    project_id TEXT NOT NULL,
	    project_label TEXT NOT NULL DEFAULT '',
	    user_id TEXT NOT NULL,

	    client_email TEXT NOT NULL,
	    subject TEXT NOT NULL,
	    message TEXT NOT NULL,
	    pdf_url TEXT NOT NULL DEFAULT '',

	    status TEXT NOT NULL, -- pending, scheduled, sent, failed, canceled
	    scheduled_for TEXT,

	    retry_count INTEGER NOT NULL DEFAULT 0,
	    max_retries INTEGER NOT NULL DEFAULT 3,
	    last_retry_at TEXT,
	    error_message TEXT NOT NULL DEFAULT '',
	    processed_at TEXT,
	    sent_at TEXT,

	    created_at TEXT NOT NULL,
	    updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_offer_send_due ON offer_send(scheduled_for) WHERE status = 'scheduled';

	CREATE TABLE IF NOT EXISTS offer_send_log (
	    offer_send_id TEXT NOT NULL,
	    created_at TEXT NOT NULL,
	    log TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_offer_send_log ON offer_send_log(offer_send_id, created_at);

	CREATE TABLE IF NOT EXISTS offer_approval (
	    id TEXT PRIMARY KEY,
	    offer_send_id TEXT NOT NULL DEFAULT '',
	    user_id TEXT NOT NULL,
	    public_token TEXT NOT NULL UNIQUE,
	    accept_token TEXT NOT NULL UNIQUE,

	    status TEXT NOT NULL,
	    client_name TEXT NOT NULL DEFAULT '',
	    client_email TEXT NOT NULL DEFAULT '',

	    accepted_at TEXT,
	    accepted_via TEXT NOT NULL DEFAULT '',
	    rejected_reason TEXT NOT NULL DEFAULT '',
	    rejected_at TEXT,
	    viewed_at TEXT,
	    valid_until TEXT,
	    withdrawn_at TEXT,
	    expired_at TEXT,

	    snapshot_ref TEXT NOT NULL DEFAULT '',
	    created_at TEXT NOT NULL,
	    updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS lease (
	    lease_key TEXT PRIMARY KEY,
	    owner TEXT NOT NULL,
	    expires_at TEXT NOT NULL
	);
`)
	if err != nil {
		return fmt.Errorf("could upsert schema, %w", err)
	}

	return err
}
