package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/mailflow/internal/db"
	"github.com/sells-group/mailflow/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (monitoring).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS accounts (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	provider        TEXT NOT NULL,
	address         TEXT NOT NULL UNIQUE,
	credentials     JSONB,
	connected       BOOLEAN NOT NULL DEFAULT true,
	last_history_id TEXT,
	last_checked_at TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS messages (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	account_id     TEXT NOT NULL REFERENCES accounts(id),
	external_id    TEXT NOT NULL UNIQUE,
	thread_id      TEXT NOT NULL DEFAULT '',
	subject        TEXT NOT NULL DEFAULT '',
	sender         TEXT NOT NULL DEFAULT '',
	recipients     TEXT[] NOT NULL DEFAULT '{}',
	received_at    TIMESTAMPTZ NOT NULL,
	fingerprint    TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'pending',
	classification TEXT NOT NULL DEFAULT '',
	confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
	reasoning      TEXT NOT NULL DEFAULT '',
	body           TEXT NOT NULL DEFAULT '',
	body_fetched   BOOLEAN NOT NULL DEFAULT false,
	error_message  TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_messages_account_fingerprint ON messages(account_id, fingerprint);
CREATE INDEX IF NOT EXISTS idx_messages_status_updated ON messages(status, updated_at);

CREATE TABLE IF NOT EXISTS extracted_data (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	message_id        TEXT NOT NULL UNIQUE REFERENCES messages(id),
	amount            DOUBLE PRECISION,
	currency          TEXT,
	transaction_date  TIMESTAMPTZ,
	merchant_name     TEXT,
	merchant_category TEXT,
	account_number    TEXT,
	transaction_type  TEXT,
	description       TEXT,
	reference_number  TEXT,
	confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
	placeholder       BOOLEAN NOT NULL DEFAULT false,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS queue_jobs (
	seq          BIGSERIAL,
	id           TEXT PRIMARY KEY,
	queue        TEXT NOT NULL,
	type         TEXT NOT NULL,
	message_id   TEXT NOT NULL DEFAULT '',
	priority     INTEGER NOT NULL,
	status       TEXT NOT NULL DEFAULT 'waiting',
	attempts     INTEGER NOT NULL DEFAULT 0,
	max_attempts INTEGER NOT NULL,
	payload      JSONB NOT NULL,
	progress     INTEGER NOT NULL DEFAULT 0,
	result       JSONB,
	error        TEXT NOT NULL DEFAULT '',
	run_at       TIMESTAMPTZ NOT NULL,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	failed_at    TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_queue_jobs_claim ON queue_jobs(queue, status, priority, seq);
CREATE INDEX IF NOT EXISTS idx_queue_jobs_message ON queue_jobs(message_id, type);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Accounts ---

const accountColumns = `id, provider, address, credentials, connected, last_history_id, last_checked_at, created_at, updated_at`

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (address) DO NOTHING`,
		a.ID, a.Provider, a.Address, nullJSON(a.Credentials), a.Connected,
		a.LastHistoryID, a.LastCheckedAt, now, now,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert account")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "postgres: account %s", a.Address)
	}
	return nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanPgAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: account %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get account %s", id)
	}
	return a, nil
}

func (s *PostgresStore) ListAccounts(ctx context.Context, connectedOnly bool) ([]model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	if connectedOnly {
		query += ` WHERE connected`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list accounts")
	}
	defer rows.Close()

	var accounts []model.Account
	for rows.Next() {
		a, err := scanPgAccount(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan account")
		}
		accounts = append(accounts, *a)
	}
	return accounts, eris.Wrap(rows.Err(), "postgres: list accounts iterate")
}

func (s *PostgresStore) SetAccountConnected(ctx context.Context, id string, connected bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET connected = $1, updated_at = $2 WHERE id = $3`,
		connected, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set account connected %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: account %s", id)
	}
	return nil
}

func (s *PostgresStore) UpdateAccountCursor(ctx context.Context, id string, cursor *string, checkedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET last_history_id = $1, last_checked_at = $2, updated_at = $2 WHERE id = $3`,
		cursor, checkedAt.UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update account cursor %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: account %s", id)
	}
	return nil
}

func scanPgAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var creds []byte
	if err := row.Scan(&a.ID, &a.Provider, &a.Address, &creds, &a.Connected,
		&a.LastHistoryID, &a.LastCheckedAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Credentials = creds
	return &a, nil
}

// --- Messages ---

const messageColumns = `id, account_id, external_id, thread_id, subject, sender, recipients, received_at,
	fingerprint, status, classification, confidence, reasoning, body, body_fetched, error_message,
	created_at, updated_at`

func (s *PostgresStore) InsertMessage(ctx context.Context, m *model.Message) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Status == "" {
		m.Status = model.MessageStatusPending
	}
	now := time.Now().UTC()
	m.CreatedAt, m.UpdatedAt = now, now
	recipients := m.Recipients
	if recipients == nil {
		recipients = []string{}
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (external_id) DO NOTHING`,
		m.ID, m.AccountID, m.ExternalID, m.ThreadID, m.Subject, m.Sender, recipients, m.ReceivedAt.UTC(),
		m.Fingerprint, string(m.Status), string(m.Classification), m.Confidence, m.Reasoning,
		m.Body, m.BodyFetched, m.ErrorMessage, now, now,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert message")
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrConflict, "postgres: message external id %s", m.ExternalID)
	}
	return nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	return s.getMessageWhere(ctx, "id = $1", id)
}

func (s *PostgresStore) GetMessageByExternalID(ctx context.Context, externalID string) (*model.Message, error) {
	return s.getMessageWhere(ctx, "external_id = $1", externalID)
}

func (s *PostgresStore) FindMessageByFingerprint(ctx context.Context, accountID, fingerprint string) (*model.Message, error) {
	return s.getMessageWhere(ctx, "account_id = $1 AND fingerprint = $2 ORDER BY created_at ASC LIMIT 1", accountID, fingerprint)
}

func (s *PostgresStore) getMessageWhere(ctx context.Context, where string, args ...any) (*model.Message, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE `+where, args...)
	m, err := scanPgMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: message %v", args)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get message")
	}
	return m, nil
}

func (s *PostgresStore) TransitionMessage(ctx context.Context, id string, from, to model.MessageStatus, patch model.MessagePatch) error {
	cols, vals := patchColumns(patch)
	args := []any{string(to), time.Now().UTC()}
	sets := []string{"status = $1", "updated_at = $2"}
	for i, c := range cols {
		args = append(args, vals[i])
		sets = append(sets, fmt.Sprintf("%s = $%d", c, len(args)))
	}
	args = append(args, id, string(from))
	query := fmt.Sprintf(`UPDATE messages SET %s WHERE id = $%d AND status = $%d`,
		strings.Join(sets, ", "), len(args)-1, len(args))

	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: transition message %s", id)
	}
	if tag.RowsAffected() == 0 {
		return s.staleOrMissing(ctx, s.pool, id, from)
	}
	return nil
}

// staleOrMissing explains a compare-and-set that matched no row.
func (s *PostgresStore) staleOrMissing(ctx context.Context, q db.Querier, id string, from model.MessageStatus) error {
	var current string
	err := q.QueryRow(ctx, `SELECT status FROM messages WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return eris.Wrapf(ErrNotFound, "postgres: message %s", id)
	}
	if err != nil {
		return eris.Wrapf(err, "postgres: read status %s", id)
	}
	return eris.Wrapf(ErrStaleStatus, "postgres: message %s is %s, expected %s", id, current, from)
}

func (s *PostgresStore) SetMessageError(ctx context.Context, id, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET error_message = $1, updated_at = $2 WHERE id = $3`,
		errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set message error %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: message %s", id)
	}
	return nil
}

func (s *PostgresStore) UpdateMessageBody(ctx context.Context, id, body string) error {
	// updated_at is left alone so the sweeper's age check is not reset.
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET body = $1, body_fetched = true WHERE id = $2`,
		body, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update message body %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: message %s", id)
	}
	return nil
}

func (s *PostgresStore) ListStuckMessages(ctx context.Context, filter StuckFilter) ([]model.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE status = $1 AND updated_at < $2`
	args := []any{string(filter.Status), filter.UpdatedBefore.UTC()}
	if len(filter.Classifications) > 0 {
		args = append(args, classificationStrings(filter.Classifications))
		query += fmt.Sprintf(` AND classification = ANY($%d)`, len(args))
	}
	args = append(args, listLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY updated_at ASC LIMIT $%d`, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list stuck messages")
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		m, err := scanPgMessage(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan message")
		}
		msgs = append(msgs, *m)
	}
	return msgs, eris.Wrap(rows.Err(), "postgres: list stuck messages iterate")
}

func (s *PostgresStore) CountMessagesByStatus(ctx context.Context, since time.Time) (map[model.MessageStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM messages WHERE updated_at >= $1 GROUP BY status`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count messages")
	}
	defer rows.Close()

	counts := make(map[model.MessageStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan message count")
		}
		counts[model.MessageStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count messages iterate")
}

func scanPgMessage(row pgx.Row) (*model.Message, error) {
	var m model.Message
	var status, class string
	if err := row.Scan(&m.ID, &m.AccountID, &m.ExternalID, &m.ThreadID, &m.Subject, &m.Sender,
		&m.Recipients, &m.ReceivedAt, &m.Fingerprint, &status, &class, &m.Confidence,
		&m.Reasoning, &m.Body, &m.BodyFetched, &m.ErrorMessage, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Status = model.MessageStatus(status)
	m.Classification = model.Classification(class)
	return &m, nil
}

// --- Extracted data ---

const extractedColumns = `id, message_id, amount, currency, transaction_date, merchant_name, merchant_category,
	account_number, transaction_type, description, reference_number, confidence, placeholder, created_at`

func extractedArgs(d *model.ExtractedData) []any {
	return []any{d.ID, d.MessageID, d.Amount, d.Currency, d.TransactionDate, d.MerchantName,
		d.MerchantCategory, d.AccountNumber, d.TransactionType, d.Description, d.ReferenceNumber,
		d.Confidence, d.Placeholder, d.CreatedAt}
}

func prepareExtracted(d *model.ExtractedData) {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
}

func (s *PostgresStore) GetExtractedData(ctx context.Context, messageID string) (*model.ExtractedData, error) {
	var d model.ExtractedData
	err := s.pool.QueryRow(ctx,
		`SELECT `+extractedColumns+` FROM extracted_data WHERE message_id = $1`, messageID,
	).Scan(&d.ID, &d.MessageID, &d.Amount, &d.Currency, &d.TransactionDate, &d.MerchantName,
		&d.MerchantCategory, &d.AccountNumber, &d.TransactionType, &d.Description,
		&d.ReferenceNumber, &d.Confidence, &d.Placeholder, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: extracted data for %s", messageID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get extracted data %s", messageID)
	}
	return &d, nil
}

// CompleteExtraction writes the message's single extracted row and moves
// the message from `from` to completed in one transaction.
func (s *PostgresStore) CompleteExtraction(ctx context.Context, d *model.ExtractedData, from model.MessageStatus) error {
	prepareExtracted(d)
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO extracted_data (`+extractedColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			 ON CONFLICT (message_id) DO UPDATE SET
			   amount = $3, currency = $4, transaction_date = $5, merchant_name = $6,
			   merchant_category = $7, account_number = $8, transaction_type = $9,
			   description = $10, reference_number = $11, confidence = $12, placeholder = $13`,
			extractedArgs(d)...,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert extracted data %s", d.MessageID)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE messages SET status = $1, error_message = '', updated_at = $2 WHERE id = $3 AND status = $4`,
			string(model.MessageStatusCompleted), time.Now().UTC(), d.MessageID, string(from),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: complete message %s", d.MessageID)
		}
		if tag.RowsAffected() == 0 {
			return s.staleOrMissing(ctx, tx, d.MessageID, from)
		}
		return nil
	})
}

func (s *PostgresStore) EnsureExtractedData(ctx context.Context, d *model.ExtractedData) (bool, error) {
	prepareExtracted(d)
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO extracted_data (`+extractedColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		 ON CONFLICT (message_id) DO NOTHING`,
		extractedArgs(d)...,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: ensure extracted data %s", d.MessageID)
	}
	return tag.RowsAffected() > 0, nil
}

// --- Queue jobs ---

const jobColumns = `id, queue, type, message_id, priority, seq, status, attempts, max_attempts, payload,
	progress, result, error, run_at, started_at, completed_at, failed_at, created_at, updated_at`

func (s *PostgresStore) InsertJob(ctx context.Context, j *model.QueueJob) error {
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

	err := s.pool.QueryRow(ctx,
		`INSERT INTO queue_jobs (id, queue, type, message_id, priority, status, attempts, max_attempts,
		   payload, progress, run_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 RETURNING seq`,
		j.ID, j.Queue, j.Type.String(), j.MessageID, j.Priority, string(j.Status), j.Attempts,
		j.MaxAttempts, []byte(j.Payload), j.Progress, j.RunAt.UTC(), now, now,
	).Scan(&j.Seq)
	return eris.Wrapf(err, "postgres: insert job %s", j.ID)
}

// ClaimJob marks the next runnable job active and returns it, or nil when
// nothing is runnable. SKIP LOCKED keeps concurrent claimers from blocking
// on or double-claiming the same row.
func (s *PostgresStore) ClaimJob(ctx context.Context, queue string, now time.Time) (*model.QueueJob, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE queue_jobs SET status = 'active', attempts = attempts + 1, started_at = $2, updated_at = $2
		 WHERE id = (
		   SELECT id FROM queue_jobs
		   WHERE queue = $1 AND status IN ('waiting', 'delayed') AND run_at <= $2
		   ORDER BY priority ASC, seq ASC
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns,
		queue, now.UTC(),
	)
	j, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim job")
	}
	return j, nil
}

func (s *PostgresStore) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_jobs SET progress = $1, updated_at = $2 WHERE id = $3 AND status = 'active'`,
		progress, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job progress %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: active job %s", id)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_jobs SET status = 'completed', progress = 100, result = $1, error = '',
		   completed_at = $2, updated_at = $2
		 WHERE id = $3 AND status = 'active'`,
		nullJSON(result), now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: active job %s", id)
	}
	return nil
}

func (s *PostgresStore) RetryJob(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_jobs SET status = 'delayed', run_at = $1, error = $2, updated_at = $3
		 WHERE id = $4 AND status = 'active'`,
		runAt.UTC(), errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: retry job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: active job %s", id)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, id, errMsg string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_jobs SET status = 'failed', error = $1, failed_at = $2, updated_at = $2
		 WHERE id = $3 AND status = 'active'`,
		errMsg, now, id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: fail job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: active job %s", id)
	}
	return nil
}

// ReleaseStalledJobs returns active jobs whose worker stopped reporting to
// the queue. Jobs with attempts left become runnable at now; the rest fail.
func (s *PostgresStore) ReleaseStalledJobs(ctx context.Context, queue string, startedBefore, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE queue_jobs SET
		   status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'delayed' END,
		   failed_at = CASE WHEN attempts >= max_attempts THEN $1 ELSE failed_at END,
		   run_at = $1, error = 'stalled: worker did not finish', updated_at = $1
		 WHERE queue = $2 AND status = 'active' AND started_at < $3`,
		now.UTC(), queue, startedBefore.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: release stalled jobs")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.QueueJob, error) {
	j, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: job %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.QueueJob, error) {
	query := `SELECT ` + jobColumns + ` FROM queue_jobs WHERE true`
	var args []any
	if filter.Queue != "" {
		args = append(args, filter.Queue)
		query += fmt.Sprintf(` AND queue = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	if filter.MessageID != "" {
		args = append(args, filter.MessageID)
		query += fmt.Sprintf(` AND message_id = $%d`, len(args))
	}
	args = append(args, listLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY seq DESC LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.QueueJob
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func (s *PostgresStore) HasOpenJob(ctx context.Context, messageID string, typ model.TaskType) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM queue_jobs WHERE message_id = $1 AND type = $2 AND status = ANY($3))`,
		messageID, typ.String(), openJobStatuses,
	).Scan(&exists)
	return exists, eris.Wrapf(err, "postgres: has open job %s", messageID)
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context, queue string) (map[model.JobStatus]int, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, COUNT(*) FROM queue_jobs WHERE queue = $1 GROUP BY status`, queue,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count jobs")
	}
	defer rows.Close()

	counts := make(map[model.JobStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job count")
		}
		counts[model.JobStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count jobs iterate")
}

func scanPgJob(row pgx.Row) (*model.QueueJob, error) {
	var j model.QueueJob
	var typ, status string
	var payload, result []byte
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
	j.Payload = payload
	if len(result) > 0 {
		j.Result = result
	}
	return &j, nil
}

// nullJSON maps an empty document to SQL NULL.
func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}
