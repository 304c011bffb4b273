// Package monitor watches connected mailboxes and admits new messages into
// the pipeline.
package monitor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mailflow/internal/broadcast"
	"github.com/sells-group/mailflow/internal/mailbox"
	"github.com/sells-group/mailflow/internal/model"
	"github.com/sells-group/mailflow/internal/pipeline"
	"github.com/sells-group/mailflow/internal/queue"
	"github.com/sells-group/mailflow/internal/resilience"
	"github.com/sells-group/mailflow/internal/store"
)

// MinInterval is the shortest allowed check interval.
const MinInterval = 10 * time.Second

// Store is the persistence the detector needs.
type Store interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
	ListAccounts(ctx context.Context, connectedOnly bool) ([]model.Account, error)
	UpdateAccountCursor(ctx context.Context, id string, cursor *string, checkedAt time.Time) error
	GetMessageByExternalID(ctx context.Context, externalID string) (*model.Message, error)
}

// Mailboxes resolves an account to its mailbox.
type Mailboxes interface {
	For(ctx context.Context, account *model.Account) (mailbox.Mailbox, error)
}

// Admitter records raw messages.
type Admitter interface {
	Admit(ctx context.Context, raw *model.RawMessage, account *model.Account, src pipeline.Source) (*model.Message, bool, error)
}

// Enqueuer schedules classify tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, task model.Task, opts ...queue.Option) (*model.QueueJob, error)
}

// Config controls scheduling and the fallback listing.
type Config struct {
	Interval     time.Duration // default 30s, floor MinInterval
	RecentWindow time.Duration // default 24h
	RecentMax    int           // default 50
	CheckTimeout time.Duration // default 2m
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Interval < MinInterval {
		c.Interval = MinInterval
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = 24 * time.Hour
	}
	if c.RecentMax <= 0 {
		c.RecentMax = 50
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 2 * time.Minute
	}
	return c
}

// Result is the outcome of a start or stop request.
type Result struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

// Deps are the detector's collaborators.
type Deps struct {
	Store       Store
	Mailboxes   Mailboxes
	Admitter    Admitter
	Queue       Enqueuer
	Broadcaster broadcast.Broadcaster
}

type session struct {
	accountID string
	cancel    context.CancelFunc
}

// Detector runs one recurring check per monitored account.
type Detector struct {
	deps Deps
	cfg  Config
	log  *zap.Logger

	mu       sync.Mutex
	root     context.Context
	sessions map[string]*session
	wg       sync.WaitGroup

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewDetector creates a Detector.
func NewDetector(deps Deps, cfg Config) *Detector {
	return &Detector{
		deps:     deps,
		cfg:      cfg.withDefaults(),
		log:      zap.L().With(zap.String("component", "monitor")),
		root:     context.Background(),
		sessions: make(map[string]*session),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Interval returns the effective check interval.
func (d *Detector) Interval() time.Duration { return d.cfg.Interval }

// Start begins monitoring every connected account. Sessions started later
// through StartMonitoring also end when ctx is cancelled.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	d.root = ctx
	d.mu.Unlock()

	accounts, err := d.deps.Store.ListAccounts(ctx, true)
	if err != nil {
		return eris.Wrap(err, "monitor: list accounts")
	}
	for i := range accounts {
		res := d.StartMonitoring(ctx, &accounts[i])
		if !res.OK {
			d.log.Warn("account not monitored", zap.String("account_id", accounts[i].ID), zap.String("reason", res.Reason))
		}
	}
	d.log.Info("monitor started", zap.Int("accounts", len(accounts)), zap.Duration("interval", d.cfg.Interval))
	return nil
}

// Stop cancels every session and waits for in-flight checks to finish,
// including those of sessions already stopped individually.
func (d *Detector) Stop() {
	d.mu.Lock()
	sessions := make([]*session, 0, len(d.sessions))
	for id, s := range d.sessions {
		sessions = append(sessions, s)
		delete(d.sessions, id)
	}
	d.mu.Unlock()

	for _, s := range sessions {
		s.cancel()
	}
	d.wg.Wait()
	d.log.Info("monitor stopped", zap.Int("sessions", len(sessions)))
}

// StartMonitoring schedules recurring checks for account and runs the first
// one immediately.
func (d *Detector) StartMonitoring(_ context.Context, account *model.Account) Result {
	if !account.Connected {
		return Result{Reason: "account is not connected"}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.sessions[account.ID]; ok {
		return Result{Reason: "account is already being monitored"}
	}

	ctx, cancel := context.WithCancel(d.root)
	s := &session{accountID: account.ID, cancel: cancel}
	d.sessions[account.ID] = s
	d.wg.Add(1)
	go d.run(ctx, s)

	d.log.Info("monitoring started", zap.String("account_id", account.ID), zap.String("address", account.Address))
	return Result{OK: true, Reason: "monitoring started"}
}

// StopMonitoring cancels future checks for the account. A check already
// running is allowed to finish.
func (d *Detector) StopMonitoring(accountID string) Result {
	d.mu.Lock()
	s, ok := d.sessions[accountID]
	if ok {
		delete(d.sessions, accountID)
	}
	d.mu.Unlock()

	if !ok {
		return Result{Reason: "account is not monitored"}
	}
	s.cancel()
	d.log.Info("monitoring stopped", zap.String("account_id", accountID))
	return Result{OK: true, Reason: "monitoring stopped"}
}

// Monitored returns the ids of monitored accounts, sorted.
func (d *Detector) Monitored() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (d *Detector) run(ctx context.Context, s *session) {
	defer d.wg.Done()
	log := d.log.With(zap.String("account_id", s.accountID))

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		d.tick(ctx, s, log)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick runs one check. The check itself is not cancelled by StopMonitoring.
func (d *Detector) tick(ctx context.Context, s *session, log *zap.Logger) {
	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.CheckTimeout)
	defer cancel()

	account, err := d.deps.Store.GetAccount(checkCtx, s.accountID)
	if err != nil {
		log.Error("load account failed", zap.Error(err))
		return
	}
	if !account.Connected {
		log.Info("account disconnected, ending monitoring")
		d.StopMonitoring(s.accountID)
		return
	}
	if n, err := d.CheckOnce(checkCtx, account); err != nil {
		log.Warn("check failed", zap.Error(err), zap.Int("admitted", n))
	}
}

// SyncAccount runs an on-demand check for accountID and reports how many
// messages it admitted.
func (d *Detector) SyncAccount(ctx context.Context, accountID string) (int, error) {
	account, err := d.deps.Store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, resilience.Permanent(eris.Wrapf(err, "monitor: account %s", accountID))
		}
		return 0, eris.Wrapf(err, "monitor: load account %s", accountID)
	}
	if !account.Connected {
		return 0, resilience.Permanent(eris.Errorf("monitor: account %s is not connected", accountID))
	}
	return d.CheckOnce(ctx, account)
}

// CheckOnce admits whatever is new in the account's mailbox. With a cursor
// it asks for changes since the cursor. Without one, or when that fails, it
// seeds a cursor where needed and admits unknown messages from the recency
// window. The cursor and last-checked time are saved either way.
func (d *Detector) CheckOnce(ctx context.Context, account *model.Account) (int, error) {
	lock := d.lockFor(account.ID)
	lock.Lock()
	defer lock.Unlock()

	log := d.log.With(zap.String("account_id", account.ID))
	mb, err := d.deps.Mailboxes.For(ctx, account)
	if err != nil {
		return 0, err
	}

	cursor := account.LastHistoryID
	admitted := 0

	if c := account.Cursor(); c != "" {
		changes, err := mb.GetChangesSince(ctx, c)
		if err == nil {
			n, complete := d.admitChanges(ctx, mb, account, changes.Messages, log)
			admitted += n
			if complete && changes.NewCursor != "" {
				cursor = &changes.NewCursor
			}
			return admitted, d.saveCursor(ctx, account, cursor)
		}
		if errors.Is(err, mailbox.ErrCursorInvalid) {
			log.Warn("sync cursor rejected, reseeding", zap.String("cursor", c))
			cursor = nil
		} else {
			log.Warn("change listing failed, using recent window", zap.Error(err))
		}
	}

	if cursor == nil {
		seed, err := mb.GetChangesSince(ctx, "")
		if err != nil {
			log.Warn("cursor seed failed", zap.Error(err))
		} else if seed.NewCursor != "" {
			cursor = &seed.NewCursor
			log.Info("sync cursor seeded", zap.String("cursor", seed.NewCursor))
		}
	}

	recent, err := mb.ListRecent(ctx, d.cfg.RecentMax, d.cfg.RecentWindow)
	if err != nil {
		if serr := d.saveCursor(ctx, account, cursor); serr != nil {
			log.Error("save cursor failed", zap.Error(serr))
		}
		return admitted, eris.Wrap(err, "monitor: list recent")
	}
	// Oldest first, so admission order follows arrival order.
	for i := len(recent) - 1; i >= 0; i-- {
		ok, err := d.admit(ctx, &recent[i], account, pipeline.SourceFallback, log)
		if err != nil {
			log.Error("admit failed", zap.String("external_id", recent[i].ExternalID), zap.Error(err))
			continue
		}
		if ok {
			admitted++
		}
	}
	return admitted, d.saveCursor(ctx, account, cursor)
}

// admitChanges admits change-listing entries in order. complete is false
// when an entry could not be fetched, so the cursor must not move past it.
func (d *Detector) admitChanges(ctx context.Context, mb mailbox.Mailbox, account *model.Account, msgs []model.RawMessage, log *zap.Logger) (int, bool) {
	admitted := 0
	complete := true
	for i := range msgs {
		raw := &msgs[i]
		if _, err := d.deps.Store.GetMessageByExternalID(ctx, raw.ExternalID); err == nil {
			continue
		}
		if raw.Body == "" {
			full, err := mb.GetFull(ctx, raw.ExternalID)
			switch {
			case err == nil:
				raw = full
			case raw.Subject != "":
				log.Warn("full fetch failed, admitting preview", zap.String("external_id", raw.ExternalID), zap.Error(err))
			default:
				log.Warn("full fetch failed, retrying next check", zap.String("external_id", raw.ExternalID), zap.Error(err))
				complete = false
				continue
			}
		}
		ok, err := d.admit(ctx, raw, account, pipeline.SourceChanges, log)
		if err != nil {
			log.Error("admit failed", zap.String("external_id", raw.ExternalID), zap.Error(err))
			complete = false
			continue
		}
		if ok {
			admitted++
		}
	}
	return admitted, complete
}

// admit records raw and, when it is new, enqueues classification and
// announces it. It reports whether a message was created.
func (d *Detector) admit(ctx context.Context, raw *model.RawMessage, account *model.Account, src pipeline.Source, log *zap.Logger) (bool, error) {
	msg, created, err := d.deps.Admitter.Admit(ctx, raw, account, src)
	if err != nil || !created {
		return false, err
	}

	log = log.With(zap.String("message_id", msg.ID), zap.Stringer("source", src))
	if _, err := d.deps.Queue.Enqueue(ctx, model.Task{
		Type:      model.TaskClassify,
		AccountID: account.ID,
		MessageID: msg.ID,
	}); err != nil {
		// The recovery sweeper re-enqueues PENDING messages.
		log.Error("enqueue classify failed", zap.Error(err))
	}

	broadcast.Emit(ctx, d.deps.Broadcaster, model.Event{
		Type:      model.EventStarted,
		MessageID: msg.ID,
		AccountID: account.ID,
		Progress:  broadcast.Progress(0),
		Message:   msg.Subject,
	})
	log.Debug("message admitted")
	return true, nil
}

func (d *Detector) saveCursor(ctx context.Context, account *model.Account, cursor *string) error {
	now := time.Now().UTC()
	if err := d.deps.Store.UpdateAccountCursor(ctx, account.ID, cursor, now); err != nil {
		return eris.Wrapf(err, "monitor: save cursor for %s", account.ID)
	}
	account.LastHistoryID = cursor
	account.LastCheckedAt = &now
	return nil
}

func (d *Detector) lockFor(accountID string) *sync.Mutex {
	d.locksMu.Lock()
	defer d.locksMu.Unlock()
	l, ok := d.locks[accountID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[accountID] = l
	}
	return l
}
