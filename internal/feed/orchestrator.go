package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/skridlevsky/expert-voter/internal/accounts"
	"github.com/skridlevsky/expert-voter/internal/metrics"
	"github.com/skridlevsky/expert-voter/internal/vk"
)

// AccountClient is a remote client bound to one account
type AccountClient interface {
	API
	Authenticate(ctx context.Context) error
}

// ClientFactory builds the client for an account. Each account gets its
// own client and therefore its own credentials.
type ClientFactory func(acc accounts.Account) AccountClient

// ErrNoEligibleAccounts is returned by Run when every account was excluded
var ErrNoEligibleAccounts = errors.New("no eligible accounts")

// Exclusion records why an account was not scheduled
type Exclusion struct {
	Login  string `json:"login"`
	Reason string `json:"reason"`
}

// Orchestrator runs one poller per eligible account. A failing account
// never stops the others.
type Orchestrator struct {
	factory            ClientFactory
	cfg                PollerConfig
	startupConcurrency int
	metrics            *metrics.Metrics
	pollerOpts         []Option

	mu       sync.RWMutex
	pollers  []*Poller
	excluded []Exclusion

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	done     chan struct{}
	doneOnce sync.Once
	stopOnce sync.Once
}

// NewOrchestrator creates an orchestrator. startupConcurrency bounds how
// many accounts authenticate at the same time.
func NewOrchestrator(factory ClientFactory, cfg PollerConfig, startupConcurrency int, m *metrics.Metrics, opts ...Option) *Orchestrator {
	if startupConcurrency <= 0 {
		startupConcurrency = 1
	}
	return &Orchestrator{
		factory:            factory,
		cfg:                cfg,
		startupConcurrency: startupConcurrency,
		metrics:            m,
		pollerOpts:         append([]Option{WithMetrics(m)}, opts...),
		done:               make(chan struct{}),
	}
}

type candidate struct {
	account accounts.Account
	client  AccountClient
	err     error
}

// Run checks every account and starts a poller for each eligible one.
// It returns once the pollers are running; use Wait or Done to join them.
func (o *Orchestrator) Run(ctx context.Context, accs []accounts.Account) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	candidates := o.prepare(ctx, accs)
	if err := ctx.Err(); err != nil {
		cancel()
		o.closeDone()
		return 0, err
	}

	started := 0
	for _, c := range candidates {
		if c.err != nil {
			o.exclude(c.account.Login, c.err)
			continue
		}

		p := NewPoller(c.account, c.client, o.cfg, o.pollerOpts...)
		o.mu.Lock()
		o.pollers = append(o.pollers, p)
		o.mu.Unlock()

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			if err := p.Run(ctx); err != nil {
				slog.Error("Account task stopped", "login", p.Login(), "error", err)
			}
		}()
		started++
	}

	go func() {
		o.wg.Wait()
		o.closeDone()
	}()

	slog.Info("Orchestrator started",
		"accounts", len(accs),
		"running", started,
		"excluded", len(accs)-started,
	)

	if started == 0 {
		cancel()
		return 0, ErrNoEligibleAccounts
	}
	return started, nil
}

// prepare authenticates accounts and checks their eligibility concurrently.
// Failures are kept per candidate so one account cannot cancel the others.
func (o *Orchestrator) prepare(ctx context.Context, accs []accounts.Account) []candidate {
	candidates := make([]candidate, len(accs))
	seen := make(map[string]bool, len(accs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.startupConcurrency)

	for i, acc := range accs {
		i, acc := i, acc
		candidates[i].account = acc
		if seen[acc.Login] {
			candidates[i].err = fmt.Errorf("duplicate login")
			continue
		}
		seen[acc.Login] = true

		g.Go(func() error {
			candidates[i].client, candidates[i].err = o.check(gctx, acc)
			return nil
		})
	}
	_ = g.Wait()

	return candidates
}

// check authenticates acc and confirms it is an expert. Transient failures
// are retried with the poller's backoff policy; the rest exclude at once.
func (o *Orchestrator) check(ctx context.Context, acc accounts.Account) (AccountClient, error) {
	client := o.factory(acc)

	var card *vk.ExpertCard
	operation := func() error {
		if err := client.Authenticate(ctx); err != nil {
			return retryable(ctx, fmt.Errorf("authenticate: %w", err))
		}
		c, err := client.GetExpertCard(ctx)
		if err != nil {
			return retryable(ctx, fmt.Errorf("eligibility check: %w", err))
		}
		card = c
		return nil
	}

	notify := func(err error, wait time.Duration) {
		slog.Warn("Account check failed, retrying", "login", acc.Login, "error", err, "backoff", wait)
	}

	if err := backoff.RetryNotify(operation, newRetryBackOff(ctx, o.cfg), notify); err != nil {
		return nil, err
	}

	slog.Info("Account eligible",
		"login", acc.Login,
		"name", card.DisplayName(),
		"points", int64(card.Points),
		"category", CategoryLabel(acc.CategoryID),
		"strategy", acc.Strategy.Name,
	)
	return client, nil
}

func (o *Orchestrator) exclude(login string, err error) {
	slog.Warn("Account excluded", "login", login, "error", err)

	o.mu.Lock()
	o.excluded = append(o.excluded, Exclusion{Login: login, Reason: err.Error()})
	o.mu.Unlock()
}

// Stop cancels every poller and waits for them. Safe to call multiple times.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		slog.Info("Orchestrator stopping...")
		o.mu.RLock()
		cancel := o.cancel
		o.mu.RUnlock()
		if cancel != nil {
			cancel()
		}
		o.wg.Wait()
		slog.Info("Orchestrator stopped")
	})
}

// Wait blocks until every poller has returned
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Done is closed once every started poller has returned
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

func (o *Orchestrator) closeDone() {
	o.doneOnce.Do(func() { close(o.done) })
}

// Statuses returns a snapshot of every running or finished poller,
// sorted by login
func (o *Orchestrator) Statuses() []Status {
	o.mu.RLock()
	pollers := append([]*Poller(nil), o.pollers...)
	o.mu.RUnlock()

	out := make([]Status, 0, len(pollers))
	for _, p := range pollers {
		out = append(out, p.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Login < out[j].Login })
	return out
}

// Excluded returns the accounts that were not scheduled
func (o *Orchestrator) Excluded() []Exclusion {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return append([]Exclusion(nil), o.excluded...)
}
