package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/mailflow/internal/broadcast"
	"github.com/sells-group/mailflow/internal/config"
	"github.com/sells-group/mailflow/internal/llm"
	"github.com/sells-group/mailflow/internal/mailbox"
	"github.com/sells-group/mailflow/internal/model"
	"github.com/sells-group/mailflow/internal/monitor"
	"github.com/sells-group/mailflow/internal/monitoring"
	"github.com/sells-group/mailflow/internal/pipeline"
	"github.com/sells-group/mailflow/internal/queue"
	"github.com/sells-group/mailflow/internal/recovery"
	"github.com/sells-group/mailflow/internal/resilience"
	"github.com/sells-group/mailflow/internal/store"
	"github.com/sells-group/mailflow/internal/worker"
	anthropicpkg "github.com/sells-group/mailflow/pkg/anthropic"
	"github.com/sells-group/mailflow/pkg/gmail"
)

// ai is what the pipeline needs from the AI collaborators.
type ai interface {
	pipeline.Classifier
	pipeline.Extractor
}

// appEnv holds every component the commands wire together.
type appEnv struct {
	Config    *config.Config
	Store     store.Store
	Queue     *queue.Queue
	Recent    *broadcast.Recent
	Webhook   *broadcast.Webhook // nil without broadcast.webhook_url
	Events    broadcast.Broadcaster
	Mailboxes *mailbox.Registry
	AI        ai
	Policy    *pipeline.Policy
	Stages    *pipeline.Stages
	Detector  *monitor.Detector
	Sweeper   *recovery.Sweeper
	Pool      *worker.Pool
	Collector *monitoring.Collector
	Checker   *monitoring.Checker
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Detector != nil {
		e.Detector.Stop()
	}
	if e.Webhook != nil {
		e.Webhook.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initEnv validates the config for mode, opens the store and wires every
// component. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env, err := buildEnv(cfg, st)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return env, nil
}

// buildEnv wires the pipeline around an open store.
func buildEnv(c *config.Config, st store.Store) (*appEnv, error) {
	policy, err := pipeline.LoadPolicy(c.Policy.File)
	if err != nil {
		return nil, err
	}

	env := &appEnv{Config: c, Store: st, Policy: policy}

	qcfg := queue.DefaultConfig()
	if c.Queue.Name != "" {
		qcfg.Name = c.Queue.Name
	}
	if c.Queue.MaxAttempts > 0 {
		qcfg.MaxAttempts = c.Queue.MaxAttempts
	}
	qcfg.Backoff = resilience.FromRetryConfig(qcfg.MaxAttempts,
		c.Queue.InitialBackoff, c.Queue.MaxBackoff, c.Queue.Multiplier, c.Queue.JitterFraction)
	env.Queue = queue.New(st, qcfg)

	env.Recent = broadcast.NewRecent(c.Broadcast.RecentSize)
	events := broadcast.Multi{broadcast.NewLog(), env.Recent}
	if c.Broadcast.WebhookURL != "" {
		env.Webhook = broadcast.NewWebhook(broadcast.WebhookConfig{
			URL:        c.Broadcast.WebhookURL,
			BufferSize: c.Broadcast.BufferSize,
			Timeout:    c.Broadcast.Timeout,
		})
		events = append(events, env.Webhook)
	}
	env.Events = events

	env.Mailboxes = mailbox.NewRegistry()
	var gmailOpts []gmail.Option
	if c.Gmail.Endpoint != "" {
		gmailOpts = append(gmailOpts, gmail.WithEndpoint(c.Gmail.Endpoint))
	}
	env.Mailboxes.Register(model.ProviderGmail, mailbox.GmailFactory(gmail.Credentials{
		ClientID:     c.Gmail.ClientID,
		ClientSecret: c.Gmail.ClientSecret,
	}, gmailOpts...))
	env.Mailboxes.Register(model.ProviderIMAP, mailbox.IMAPFactory(c.IMAP.Timeout))

	env.AI = initAI(c.Anthropic)

	admitter := pipeline.NewAdmitter(st)
	env.Stages = pipeline.NewStages(pipeline.Deps{
		Store:       st,
		Classifier:  env.AI,
		Extractor:   env.AI,
		Bodies:      mailbox.NewBodyLoader(st, env.Mailboxes),
		Queue:       env.Queue,
		Broadcaster: env.Events,
		Policy:      policy,
	}, pipeline.Config{AITimeout: c.Worker.AITimeout})

	env.Detector = monitor.NewDetector(monitor.Deps{
		Store:       st,
		Mailboxes:   env.Mailboxes,
		Admitter:    admitter,
		Queue:       env.Queue,
		Broadcaster: env.Events,
	}, monitor.Config{
		Interval:     c.Monitor.Interval,
		RecentWindow: c.Monitor.RecentWindow,
		RecentMax:    c.Monitor.RecentMax,
		CheckTimeout: c.Monitor.CheckTimeout,
	})

	env.Sweeper = recovery.NewSweeper(st, env.Queue, policy.ExtractCategories(), recovery.Config{
		Interval:     c.Sweeper.Interval,
		Grace:        c.Sweeper.Grace,
		BatchSize:    c.Sweeper.BatchSize,
		StallTimeout: c.Sweeper.StallTimeout,
	})

	env.Pool = worker.NewPool(env.Queue, worker.NewDispatcher(env.Stages, env.Detector), worker.Config{
		Concurrency:  c.Worker.Concurrency,
		PollInterval: c.Worker.PollInterval,
	})

	env.Collector = monitoring.NewCollector(st, env.Queue.Name())
	env.Checker = monitoring.NewChecker(env.Collector, monitoring.NewAlerter(c.Monitoring), c.Monitoring)

	return env, nil
}

// initAI returns the Claude-backed collaborators, or the keyword heuristics
// when the provider is disabled.
func initAI(c config.AnthropicConfig) ai {
	if c.Disabled {
		zap.L().Warn("anthropic disabled, classifying with heuristics only")
		return llm.Heuristic{}
	}

	opts := []anthropicpkg.Option{anthropicpkg.WithMaxRetries(0)}
	if c.BaseURL != "" {
		opts = append(opts, anthropicpkg.WithBaseURL(c.BaseURL))
	}
	retry := resilience.DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		retry.MaxAttempts = c.MaxAttempts
	}
	return llm.New(anthropicpkg.NewClient(c.Key, opts...), llm.Config{
		Model:             c.Model,
		MaxTokens:         c.MaxTokens,
		RequestsPerSecond: c.RequestsPerSecond,
		Burst:             c.Burst,
		MaxBodyChars:      c.MaxBodyChars,
		CacheTTL:          c.CacheTTL,
		Retry:             retry,
		Breaker:           resilience.FromBreakerConfig("anthropic", c.BreakerThreshold, c.BreakerCooldown),
	})
}
