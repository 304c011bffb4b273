// Package mailbox adapts provider clients to the operations the change
// detector needs and resolves accounts to their mailbox.
package mailbox

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/mailflow/internal/model"
	"github.com/sells-group/mailflow/internal/resilience"
)

var (
	// ErrCursorInvalid is returned by GetChangesSince when the provider no
	// longer accepts the cursor. Callers reseed.
	ErrCursorInvalid = eris.New("mailbox: cursor invalid")
	// ErrUnauthorized is returned when the provider rejects the account's
	// credentials.
	ErrUnauthorized = eris.New("mailbox: unauthorized")
)

// Changes is the result of a cursor-based change query.
type Changes struct {
	// Messages added since the cursor, oldest first. Entries may carry only
	// an ExternalID; GetFull returns the rest.
	Messages []model.RawMessage
	// NewCursor is the position to resume from next time.
	NewCursor string
	// Seeded is true when the call only established a starting cursor.
	Seeded bool
}

// Mailbox is one account's view of its provider.
type Mailbox interface {
	// ListRecent returns up to max messages received within window, newest
	// first.
	ListRecent(ctx context.Context, max int, window time.Duration) ([]model.RawMessage, error)
	// GetFull fetches one message with its body.
	GetFull(ctx context.Context, externalID string) (*model.RawMessage, error)
	// GetChangesSince reports what arrived after cursor. An empty cursor
	// seeds a new one without reporting messages.
	GetChangesSince(ctx context.Context, cursor string) (*Changes, error)
	ValidateCredentials(ctx context.Context) error
}

// Factory builds a Mailbox for an account.
type Factory func(ctx context.Context, account *model.Account) (Mailbox, error)

// Registry resolves accounts to mailboxes by provider and caches one
// Mailbox per account.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	cache     map[string]Mailbox
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		cache:     make(map[string]Mailbox),
	}
}

// Register sets the factory for provider, replacing any previous one.
func (r *Registry) Register(provider string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[provider] = f
}

// Providers lists the registered provider names.
func (r *Registry) Providers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// For returns the account's Mailbox, building it on first use. Unknown
// providers and unusable credentials are permanent errors.
func (r *Registry) For(ctx context.Context, account *model.Account) (Mailbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if mb, ok := r.cache[account.ID]; ok {
		return mb, nil
	}
	f, ok := r.factories[account.Provider]
	if !ok {
		return nil, resilience.Permanent(eris.Errorf("mailbox: no provider %q for account %s", account.Provider, account.ID))
	}
	mb, err := f(ctx, account)
	if err != nil {
		return nil, resilience.Permanent(eris.Wrapf(err, "mailbox: open account %s", account.ID))
	}
	r.cache[account.ID] = mb
	return mb, nil
}

// Forget drops the cached Mailbox so the next For rebuilds it, picking up
// new credentials.
func (r *Registry) Forget(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, accountID)
}

// AccountGetter looks up accounts.
type AccountGetter interface {
	GetAccount(ctx context.Context, id string) (*model.Account, error)
}

// BodyLoader fetches full message bodies from the owning mailbox.
type BodyLoader struct {
	accounts AccountGetter
	registry *Registry
}

// NewBodyLoader creates a BodyLoader.
func NewBodyLoader(accounts AccountGetter, registry *Registry) *BodyLoader {
	return &BodyLoader{accounts: accounts, registry: registry}
}

// LoadBody returns the full text body of msg.
func (b *BodyLoader) LoadBody(ctx context.Context, msg *model.Message) (string, error) {
	account, err := b.accounts.GetAccount(ctx, msg.AccountID)
	if err != nil {
		return "", eris.Wrapf(err, "mailbox: load account %s", msg.AccountID)
	}
	mb, err := b.registry.For(ctx, account)
	if err != nil {
		return "", err
	}
	raw, err := mb.GetFull(ctx, msg.ExternalID)
	if err != nil {
		return "", err
	}
	return raw.Body, nil
}
