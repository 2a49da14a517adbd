// Package feed runs the expert feed voting loops, one poller per account.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/skridlevsky/expert-voter/internal/accounts"
	"github.com/skridlevsky/expert-voter/internal/metrics"
	"github.com/skridlevsky/expert-voter/internal/strategy"
	"github.com/skridlevsky/expert-voter/internal/vk"
)

// API is the subset of the remote client a poller needs
type API interface {
	FetchFeedPage(ctx context.Context, categoryID int, cursor string) (*vk.FeedPage, error)
	SetPostVote(ctx context.Context, ownerID, postID int64, newVote string) error
	GetExpertCard(ctx context.Context) (*vk.ExpertCard, error)
}

// PollerConfig controls pacing and cycle-level retries
type PollerConfig struct {
	VoteSpacing          time.Duration // pause after every cast vote
	ReportEvery          int           // report on feed wraps divisible by this
	MaxCycleRetries      int           // consecutive failed cycles before giving up
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// DefaultPollerConfig returns the production pacing
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		VoteSpacing:          330 * time.Millisecond,
		ReportEvery:          5,
		MaxCycleRetries:      5,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     30 * time.Second,
	}
}

// State is the current phase of a poller
type State string

const (
	StateStarting   State = "starting"
	StateFetching   State = "fetching"
	StateEvaluating State = "evaluating"
	StateVoting     State = "voting"
	StateReporting  State = "reporting"
	StateRetrying   State = "retrying"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
)

// Status is a point-in-time snapshot of a poller
type Status struct {
	RunID      string     `json:"runId"`
	Login      string     `json:"login"`
	CategoryID int        `json:"categoryId"`
	Category   string     `json:"category"`
	Strategy   string     `json:"strategy"`
	State      State      `json:"state"`
	Votes      int        `json:"votes"`
	Skipped    int        `json:"skipped"`
	Iteration  int        `json:"iteration"`
	Cursor     string     `json:"cursor"`
	LastError  string     `json:"lastError,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	LastPageAt *time.Time `json:"lastPageAt,omitempty"`
}

// Poller drives the fetch-evaluate-vote loop for one account
type Poller struct {
	account  accounts.Account
	selector strategy.Selector
	api      API
	cfg      PollerConfig
	clock    clockwork.Clock
	out      io.Writer
	metrics  *metrics.Metrics
	runID    string

	// session and status fields are written by the poller goroutine only;
	// mu lets Status read them concurrently
	mu         sync.RWMutex
	session    *Session
	state      State
	lastErr    string
	startedAt  time.Time
	lastPageAt time.Time
}

// Option configures a Poller
type Option func(*Poller)

// WithClock replaces the wall clock used for pacing and report timestamps
func WithClock(c clockwork.Clock) Option {
	return func(p *Poller) { p.clock = c }
}

// WithOutput sets where status lines are printed. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(p *Poller) { p.out = w }
}

// WithMetrics records poller activity on m
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// NewPoller creates a poller for acc talking to api
func NewPoller(acc accounts.Account, api API, cfg PollerConfig, opts ...Option) *Poller {
	if cfg.ReportEvery <= 0 {
		cfg.ReportEvery = 5
	}

	p := &Poller{
		account:  acc,
		selector: acc.Strategy,
		api:      api,
		cfg:      cfg,
		clock:    clockwork.NewRealClock(),
		out:      os.Stdout,
		runID:    uuid.NewString(),
		session:  NewSession(),
		state:    StateStarting,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Login returns the account this poller votes for
func (p *Poller) Login() string {
	return p.account.Login
}

// Run polls until ctx is cancelled or an unrecoverable error occurs.
// Cancellation returns nil.
func (p *Poller) Run(ctx context.Context) error {
	p.metrics.PollerStarted()
	defer p.metrics.PollerStopped()

	p.mu.Lock()
	p.startedAt = p.clock.Now()
	p.mu.Unlock()

	log := p.logger()
	log.Info("Poller started",
		"category", CategoryLabel(p.account.CategoryID),
		"strategy", p.selector.String(),
	)

	for {
		if ctx.Err() != nil {
			p.finish(StateStopped, nil)
			log.Info("Poller stopped", "votes", p.session.Votes, "skipped", p.session.Skipped())
			return nil
		}

		if err := p.runCycle(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.finish(StateFailed, err)
			log.Error("Poller failed", "error", err)
			return err
		}
	}
}

// runCycle processes one page, retrying transient failures with
// exponential backoff. Every cycle starts with a fresh retry budget.
func (p *Poller) runCycle(ctx context.Context) error {
	operation := func() error {
		return retryable(ctx, p.cycle(ctx))
	}

	notify := func(err error, wait time.Duration) {
		p.setError(StateRetrying, err)
		p.logger().Warn("Cycle failed, retrying", "error", err, "backoff", wait)
	}

	return backoff.RetryNotify(operation, newRetryBackOff(ctx, p.cfg), notify)
}

// newRetryBackOff returns a fresh bounded exponential policy
func newRetryBackOff(ctx context.Context, cfg PollerConfig) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.RetryInitialInterval
	eb.MaxInterval = cfg.RetryMaxInterval
	eb.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(cfg.MaxCycleRetries)), ctx)
}

// retryable marks everything but transient remote failures as permanent
func retryable(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || !vk.IsTransient(err) {
		return backoff.Permanent(err)
	}
	return err
}

// cycle fetches the page at the current cursor and evaluates its items
func (p *Poller) cycle(ctx context.Context) error {
	p.setState(StateFetching)
	page, err := p.api.FetchFeedPage(ctx, p.account.CategoryID, p.session.Cursor)
	if err != nil {
		return fmt.Errorf("fetch page: %w", err)
	}

	p.setState(StateEvaluating)
	for _, item := range page.Items {
		if err := p.evaluate(ctx, item); err != nil {
			return err
		}
	}

	p.mu.Lock()
	wrapped := p.session.Advance(string(page.NextFrom))
	iteration := p.session.Iteration
	p.lastPageAt = p.clock.Now()
	p.lastErr = ""
	p.mu.Unlock()

	if wrapped {
		p.metrics.FeedLoop(p.account.Login)
		p.logger().Debug("Feed wrapped", "iteration", iteration)
		if iteration%p.cfg.ReportEvery == 0 {
			p.report(ctx, iteration)
		}
	}
	return nil
}

func (p *Poller) evaluate(ctx context.Context, item vk.FeedItem) error {
	if item.Rating.Rated {
		p.mu.Lock()
		added := p.session.MarkSkipped(item.TrackCode)
		p.mu.Unlock()
		if added {
			p.metrics.ItemSkipped(p.account.Login)
		}
		return nil
	}

	action := p.selector.SelectVote(int(item.Rating.Value))
	if action == strategy.None {
		return nil
	}
	return p.castVote(ctx, int64(item.SourceID), int64(item.PostID), action)
}

func (p *Poller) castVote(ctx context.Context, ownerID, postID int64, action strategy.Action) error {
	p.setState(StateVoting)
	if err := p.api.SetPostVote(ctx, ownerID, postID, action.Wire()); err != nil {
		err = fmt.Errorf("vote on %d_%d: %w", ownerID, postID, err)
		// A rejected vote only concerns this post; the rest of the page
		// still gets voted.
		var appErr *vk.ApplicationError
		if errors.As(err, &appErr) {
			p.setError(StateVoting, err)
			p.metrics.VoteFailed(p.account.Login)
			p.logger().Warn("Vote rejected, skipping post",
				"owner_id", ownerID,
				"post_id", postID,
				"error", err,
			)
			return nil
		}
		return err
	}

	p.mu.Lock()
	p.session.Votes++
	p.mu.Unlock()
	p.metrics.VoteCast(p.account.Login, action.String())

	p.logger().Debug("Vote cast",
		"owner_id", ownerID,
		"post_id", postID,
		"vote", action.Wire(),
	)

	if p.cfg.VoteSpacing <= 0 {
		return nil
	}
	select {
	case <-p.clock.After(p.cfg.VoteSpacing):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// report prints the status line. Failures are logged and never stop voting.
func (p *Poller) report(ctx context.Context, iteration int) {
	p.setState(StateReporting)

	card, err := p.api.GetExpertCard(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger().Warn("Status report failed", "iteration", iteration, "error", err)
		}
		return
	}

	p.mu.RLock()
	votes, skipped := p.session.Votes, p.session.Skipped()
	p.mu.RUnlock()

	line := FormatStatusLine(p.clock.Now(), card, p.account.CategoryID, p.selector.String(), iteration, votes, skipped)
	if _, err := fmt.Fprintln(p.out, line); err != nil {
		p.logger().Warn("Failed to write status line", "error", err)
	}

	p.logger().Info("Status report",
		"name", card.DisplayName(),
		"points", int64(card.Points),
		"iteration", iteration,
		"votes", votes,
		"skipped", skipped,
	)
}

// Status returns a snapshot for the status API
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var lastPageAt *time.Time
	if !p.lastPageAt.IsZero() {
		t := p.lastPageAt
		lastPageAt = &t
	}

	return Status{
		RunID:      p.runID,
		Login:      p.account.Login,
		CategoryID: p.account.CategoryID,
		Category:   CategoryLabel(p.account.CategoryID),
		Strategy:   p.selector.String(),
		State:      p.state,
		Votes:      p.session.Votes,
		Skipped:    p.session.Skipped(),
		Iteration:  p.session.Iteration,
		Cursor:     p.session.Cursor,
		LastError:  p.lastErr,
		StartedAt:  p.startedAt,
		LastPageAt: lastPageAt,
	}
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Poller) setError(s State, err error) {
	p.mu.Lock()
	p.state = s
	p.lastErr = err.Error()
	p.mu.Unlock()
}

func (p *Poller) finish(s State, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = s
	if err != nil && !errors.Is(err, context.Canceled) {
		p.lastErr = err.Error()
	}
}

func (p *Poller) logger() *slog.Logger {
	return slog.With("login", p.account.Login, "run_id", p.runID)
}
