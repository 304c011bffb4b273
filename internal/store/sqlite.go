package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/mailflow/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// A single connection serializes writers, which makes job claims atomic.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS accounts (
	id              TEXT PRIMARY KEY,
	provider        TEXT NOT NULL,
	address         TEXT NOT NULL UNIQUE,
	credentials     TEXT,
	connected       BOOLEAN NOT NULL DEFAULT 1,
	last_history_id TEXT,
	last_checked_at DATETIME,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	id             TEXT PRIMARY KEY,
	account_id     TEXT NOT NULL REFERENCES accounts(id),
	external_id    TEXT NOT NULL UNIQUE,
	thread_id      TEXT NOT NULL DEFAULT '',
	subject        TEXT NOT NULL DEFAULT '',
	sender         TEXT NOT NULL DEFAULT '',
	recipients     TEXT NOT NULL DEFAULT '[]',
	received_at    DATETIME NOT NULL,
	fingerprint    TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	classification TEXT NOT NULL DEFAULT '',
	confidence     REAL NOT NULL DEFAULT 0,
	reasoning      TEXT NOT NULL DEFAULT '',
	body           TEXT NOT NULL DEFAULT '',
	body_fetched   BOOLEAN NOT NULL DEFAULT 0,
	error_message  TEXT NOT NULL DEFAULT '',
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_account_fingerprint ON messages(account_id, fingerprint);
CREATE INDEX IF NOT EXISTS idx_messages_status_updated ON messages(status, updated_at);

CREATE TABLE IF NOT EXISTS extracted_data (
	id                TEXT PRIMARY KEY,
	message_id        TEXT NOT NULL UNIQUE REFERENCES messages(id),
	amount            REAL,
	currency          TEXT,
	transaction_date  DATETIME,
	merchant_name     TEXT,
	merchant_category TEXT,
	account_number    TEXT,
	transaction_type  TEXT,
	description       TEXT,
	reference_number  TEXT,
	confidence        REAL NOT NULL DEFAULT 0,
	placeholder       BOOLEAN NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS queue_jobs (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	queue        TEXT NOT NULL,
	type         TEXT NOT NULL,
	message_id   TEXT NOT NULL DEFAULT '',
	priority     INTEGER NOT NULL,
	status       TEXT NOT NULL DEFAULT 'waiting',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	payload      TEXT NOT NULL,
	progress     INTEGER NOT NULL DEFAULT 0,
	result       TEXT,
	error        TEXT NOT NULL DEFAULT '',
	run_at       DATETIME NOT NULL,
	started_at   DATETIME,
	completed_at DATETIME,
	failed_at    DATETIME,
	created_at   DATETIME NOT NULL,
	updated_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_queue_jobs_claim ON queue_jobs(queue, status, priority, seq);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_message ON queue_jobs(message_id, type);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Accounts ---

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (address) DO NOTHING`,
		a.ID, a.Provider, a.Address, nullText(a.Credentials), a.Connected,
		a.LastHistoryID, utcPtr(a.LastCheckedAt), now, now,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert account")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrConflict, "sqlite: account %s", a.Address)
	}
	return nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	a, err := scanSQLiteAccount(s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: account %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get account %s", id)
	}
	return a, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context, connectedOnly bool) ([]model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	if connectedOnly {
		query += ` WHERE connected = 1`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list accounts")
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanSQLiteAccount(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan account")
		}
		accounts = append(accounts, *a)
	}
	return accounts, eris.Wrap(rows.Err(), "sqlite: list accounts iterate")
}

func (s *SQLiteStore) SetAccountConnected(ctx context.Context, id string, connected bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET connected = ?, updated_at = ? WHERE id = ?`,
		connected, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set account connected %s", id)
	}
	return checkRowsAffected(res, "account", id)
}

func (s *SQLiteStore) UpdateAccountCursor(ctx context.Context, id string, cursor *string, checkedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_history_id = ?, last_checked_at = ?, updated_at = ? WHERE id = ?`,
		cursor, checkedAt.UTC(), checkedAt.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update account cursor %s", id)
	}
	return checkRowsAffected(res, "account", id)
}

func scanSQLiteAccount(row scannable) (*model.Account, error) {
	var a model.Account
	var creds sql.NullString
	if err := row.Scan(&a.ID, &a.Provider, &a.Address, &creds, &a.Connected,
		&a.LastHistoryID, &a.LastCheckedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if creds.Valid {
		a.Credentials = json.RawMessage(creds.String)
	}
	return &a, nil
}

// --- Messages ---

func (s *SQLiteStore) InsertMessage(ctx context.Context, m *model.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Status == "" {
		m.Status = model.MessageStatusPending
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now

	recipients, err := json.Marshal(nonNil(m.Recipients))
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal recipients")
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (external_id) DO NOTHING`,
		m.ID, m.AccountID, m.ExternalID, m.ThreadID, m.Subject, m.Sender, string(recipients),
		m.ReceivedAt.UTC(), m.Fingerprint, string(m.Status), string(m.Classification), m.Confidence,
		m.Reasoning, m.Body, m.BodyFetched, m.ErrorMessage, now, now,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert message")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return eris.Wrapf(ErrConflict, "sqlite: message external id %s", m.ExternalID)
	}
	return nil
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return s.getMessageWhere(ctx, "id = ?", id)
}

func (s *SQLiteStore) GetMessageByExternalID(ctx context.Context, externalID string) (*model.Message, error) {
	return s.getMessageWhere(ctx, "external_id = ?", externalID)
}

func (s *SQLiteStore) FindMessageByFingerprint(ctx context.Context, accountID, fingerprint string) (*model.Message, error) {
	return s.getMessageWhere(ctx, "account_id = ? AND fingerprint = ? ORDER BY created_at ASC LIMIT 1", accountID, fingerprint)
}

func (s *SQLiteStore) getMessageWhere(ctx context.Context, where string, args ...any) (*model.Message, error) {
	m, err := scanSQLiteMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: message %v", args)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get message")
	}
	return m, nil
}

func (s *SQLiteStore) TransitionMessage(ctx context.Context, id string, from, to model.MessageStatus, patch model.MessagePatch) error {
	cols, vals := patchColumns(patch)
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), time.Now().UTC()}
	for i, c := range cols {
		sets = append(sets, c+" = ?")
		args = append(args, vals[i])
	}
	args = append(args, id, string(from))

	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: transition message %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return staleOrMissingSQLite(ctx, s.db, id, from)
	}
	return nil
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func staleOrMissingSQLite(ctx context.Context, q sqliteQuerier, id string, from model.MessageStatus) error {
	var current string
	err := q.QueryRowContext(ctx, `SELECT status FROM messages WHERE id = ?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "sqlite: message %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: read status %s", id)
	}
	return eris.Wrapf(ErrStaleStatus, "sqlite: message %s is %s, expected %s", id, current, from)
}

func (s *SQLiteStore) SetMessageError(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET error_message = ?, updated_at = ? WHERE id = ?`,
		errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set message error %s", id)
	}
	return checkRowsAffected(res, "message", id)
}

func (s *SQLiteStore) UpdateMessageBody(ctx context.Context, id, body string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET body = ?, body_fetched = 1 WHERE id = ?`, body, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update message body %s", id)
	}
	return checkRowsAffected(res, "message", id)
}

func (s *SQLiteStore) ListStuckMessages(ctx context.Context, filter StuckFilter) ([]model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE status = ? AND updated_at < ?`
	args := []any{string(filter.Status), filter.UpdatedBefore.UTC()}
	if len(filter.Classifications) > 0 {
		query += ` AND classification IN (` + placeholders(len(filter.Classifications)) + `)`
		for _, c := range filter.Classifications {
			args = append(args, string(c))
		}
	}
	query += ` ORDER BY updated_at ASC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list stuck messages")
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanSQLiteMessage(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan message")
		}
		msgs = append(msgs, *m)
	}
	return msgs, eris.Wrap(rows.Err(), "sqlite: list stuck messages iterate")
}

func (s *SQLiteStore) CountMessagesByStatus(ctx context.Context, since time.Time) (map[model.MessageStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM messages WHERE updated_at >= ? GROUP BY status`, since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count messages")
	}
	defer rows.Close()

	counts := make(map[model.MessageStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan message count")
		}
		counts[model.MessageStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count messages iterate")
}

func scanSQLiteMessage(row scannable) (*model.Message, error) {
	var m model.Message
	var status, class, recipients string
	if err := row.Scan(&m.ID, &m.AccountID, &m.ExternalID, &m.ThreadID, &m.Subject, &m.Sender,
		&recipients, &m.ReceivedAt, &m.Fingerprint, &status, &class, &m.Confidence,
		&m.Reasoning, &m.Body, &m.BodyFetched, &m.ErrorMessage, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(recipients), &m.Recipients); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal recipients")
	}
	m.Status = model.MessageStatus(status)
	m.Classification = model.Classification(class)
	return &m, nil
}

// --- Extracted data ---

func (s *SQLiteStore) GetExtractedData(ctx context.Context, messageID string) (*model.ExtractedData, error) {
	var d model.ExtractedData
	err := s.db.QueryRowContext(ctx,
		`SELECT `+extractedColumns+` FROM extracted_data WHERE message_id = ?`, messageID,
	).Scan(&d.ID, &d.MessageID, &d.Amount, &d.Currency, &d.TransactionDate, &d.MerchantName,
		&d.MerchantCategory, &d.AccountNumber, &d.TransactionType, &d.Description,
		&d.ReferenceNumber, &d.Confidence, &d.Placeholder, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: extracted data for %s", messageID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get extracted data %s", messageID)
	}
	return &d, nil
}

func (s *SQLiteStore) CompleteExtraction(ctx context.Context, d *model.ExtractedData, from model.MessageStatus) error {
	prepareExtracted(d)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO extracted_data (`+extractedColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (message_id) DO UPDATE SET
		   amount = excluded.amount, currency = excluded.currency,
		   transaction_date = excluded.transaction_date, merchant_name = excluded.merchant_name,
		   merchant_category = excluded.merchant_category, account_number = excluded.account_number,
		   transaction_type = excluded.transaction_type, description = excluded.description,
		   reference_number = excluded.reference_number, confidence = excluded.confidence,
		   placeholder = excluded.placeholder`,
		sqliteExtractedArgs(d)...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: upsert extracted data %s", d.MessageID)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE messages SET status = ?, error_message = '', updated_at = ? WHERE id = ? AND status = ?`,
		string(model.MessageStatusCompleted), time.Now().UTC(), d.MessageID, string(from),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete message %s", d.MessageID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return staleOrMissingSQLite(ctx, tx, d.MessageID, from)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

func (s *SQLiteStore) EnsureExtractedData(ctx context.Context, d *model.ExtractedData) (bool, error) {
	prepareExtracted(d)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO extracted_data (`+extractedColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (message_id) DO NOTHING`,
		sqliteExtractedArgs(d)...,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: ensure extracted data %s", d.MessageID)
	}
	n, err := res.RowsAffected()
	return n > 0, eris.Wrap(err, "sqlite: rows affected")
}

func sqliteExtractedArgs(d *model.ExtractedData) []any {
	args := extractedArgs(d)
	args[4] = utcPtr(d.TransactionDate)
	return args
}

// --- Queue jobs ---

func (s *SQLiteStore) InsertJob(ctx context.Context, j *model.QueueJob) error {
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.Status == "" {
		j.Status = model.JobStatusWaiting
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	if j.RunAt.IsZero() {
		j.RunAt = now
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_jobs (id, queue, type, message_id, priority, status, attempts, max_attempts,
		   payload, progress, run_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Queue, j.Type.String(), j.MessageID, j.Priority, string(j.Status), j.Attempts,
		j.MaxAttempts, string(j.Payload), j.Progress, j.RunAt.UTC(), now, now,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: insert job %s", j.ID)
	}
	j.Seq, err = res.LastInsertId()
	return eris.Wrap(err, "sqlite: job seq")
}

func (s *SQLiteStore) ClaimJob(ctx context.Context, queue string, now time.Time) (*model.QueueJob, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin claim")
	}
	defer tx.Rollback() //nolint:errcheck

	var id string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM queue_jobs
		 WHERE queue = ? AND status IN ('waiting', 'delayed') AND run_at <= ?
		 ORDER BY priority ASC, seq ASC LIMIT 1`,
		queue, now.UTC(),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: select claimable job")
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE queue_jobs SET status = 'active', attempts = attempts + 1, started_at = ?, updated_at = ?
		 WHERE id = ?`,
		now.UTC(), now.UTC(), id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim job %s", id)
	}

	j, err := scanSQLiteJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = ?`, id))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read claimed job %s", id)
	}
	return j, eris.Wrap(tx.Commit(), "sqlite: commit claim")
}

func (s *SQLiteStore) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs SET progress = ?, updated_at = ? WHERE id = ? AND status = 'active'`,
		progress, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job progress %s", id)
	}
	return checkRowsAffected(res, "active job", id)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs SET status = 'completed', progress = 100, result = ?, error = '',
		   completed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'active'`,
		nullText(result), now, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", id)
	}
	return checkRowsAffected(res, "active job", id)
}

func (s *SQLiteStore) RetryJob(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs SET status = 'delayed', run_at = ?, error = ?, updated_at = ?
		 WHERE id = ? AND status = 'active'`,
		runAt.UTC(), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: retry job %s", id)
	}
	return checkRowsAffected(res, "active job", id)
}

func (s *SQLiteStore) FailJob(ctx context.Context, id, errMsg string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs SET status = 'failed', error = ?, failed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'active'`,
		errMsg, now, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: fail job %s", id)
	}
	return checkRowsAffected(res, "active job", id)
}

func (s *SQLiteStore) ReleaseStalledJobs(ctx context.Context, queue string, startedBefore, now time.Time) (int, error) {
	now = now.UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs SET
		   status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'delayed' END,
		   failed_at = CASE WHEN attempts >= max_attempts THEN ? ELSE failed_at END,
		   run_at = ?, error = 'stalled: worker did not finish', updated_at = ?
		 WHERE queue = ? AND status = 'active' AND started_at < ?`,
		now, now, now, queue, startedBefore.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: release stalled jobs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: release stalled jobs")
	}
	return int(n), nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.QueueJob, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get job %s", id)
	}
	return j, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.QueueJob, error) {
	query := `SELECT ` + jobColumns + ` FROM queue_jobs WHERE 1=1`
	var args []any
	if filter.Queue != "" {
		query += ` AND queue = ?`
		args = append(args, filter.Queue)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.MessageID != "" {
		query += ` AND message_id = ?`
		args = append(args, filter.MessageID)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.QueueJob
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func (s *SQLiteStore) HasOpenJob(ctx context.Context, messageID string, typ model.TaskType) (bool, error) {
	args := []any{messageID, typ.String()}
	for _, st := range openJobStatuses {
		args = append(args, st)
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_jobs WHERE message_id = ? AND type = ? AND status IN (`+
			placeholders(len(openJobStatuses))+`)`,
		args...,
	).Scan(&n)
	return n > 0, eris.Wrapf(err, "sqlite: has open job %s", messageID)
}

func (s *SQLiteStore) CountJobsByStatus(ctx context.Context, queue string) (map[model.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM queue_jobs WHERE queue = ? GROUP BY status`, queue,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count jobs")
	}
	defer rows.Close()

	counts := make(map[model.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job count")
		}
		counts[model.JobStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count jobs iterate")
}

func scanSQLiteJob(row scannable) (*model.QueueJob, error) {
	var j model.QueueJob
	var typ, status, payload string
	var result sql.NullString
	if err := row.Scan(&j.ID, &j.Queue, &typ, &j.MessageID, &j.Priority, &j.Seq, &status,
		&j.Attempts, &j.MaxAttempts, &payload, &j.Progress, &result, &j.Error, &j.RunAt,
		&j.StartedAt, &j.CompletedAt, &j.FailedAt, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	t, err := model.ParseTaskType(typ)
	if err != nil {
		return nil, eris.Wrapf(err, "job %s", j.ID)
	}
	j.Type = t
	j.Status = model.JobStatus(status)
	j.Payload = json.RawMessage(payload)
	if result.Valid && result.String != "" {
		j.Result = json.RawMessage(result.String)
	}
	return &j, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullText(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
