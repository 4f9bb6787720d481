package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hackgods/ledger-appointment-portal/internal/identity"
	"github.com/hackgods/ledger-appointment-portal/internal/logging"
	"github.com/hackgods/ledger-appointment-portal/internal/observability"
)

type Options struct {
	// CallTimeout bounds every ledger call including confirmation.
	// Zero means calls may block until the ledger answers.
	CallTimeout time.Duration
	Logger      *logging.Logger
	Metrics     *observability.LedgerMetrics
}

// Client owns the connectivity lifecycle to the ledger and exposes typed
// reads and writes. All calls fail with ErrNotConnected without a session.
type Client struct {
	backend Backend
	wallet  Wallet
	opts    Options
	logger  *logging.Logger
	events  *eventHub

	mu      sync.RWMutex
	session *Session
	epoch   uint64
}

func NewClient(backend Backend, wallet Wallet, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Client{
		backend: backend,
		wallet:  wallet,
		opts:    opts,
		logger:  logger.With("component", "ledger_client"),
		events:  newEventHub(),
	}
}

// Connect asks the wallet for an account and binds a new session to it.
func (c *Client) Connect(ctx context.Context) (Session, error) {
	account, err := c.wallet.RequestAccount(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("request account: %w", err)
	}
	return c.bind(ctx, account, EventConnected)
}

// Disconnect drops the session. Later calls fail with ErrNotConnected.
func (c *Client) Disconnect() {
	c.mu.Lock()
	prev := c.session
	c.session = nil
	c.mu.Unlock()

	if prev == nil {
		return
	}
	c.logger.Info("ledger session closed", "account", prev.Account)
	c.emit(Event{Kind: EventDisconnected, Account: prev.Account, Epoch: prev.Epoch})
}

// AccountChanged handles the wallet switching accounts. The current session
// is invalidated first; an empty account disconnects, any other account
// reconnects. Calls already in flight are not cancelled.
func (c *Client) AccountChanged(ctx context.Context, account string) (Session, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		c.Disconnect()
		return Session{}, ErrNotConnected
	}

	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()

	return c.bind(ctx, account, EventAccountChanged)
}

func (c *Client) bind(ctx context.Context, rawAccount string, kind EventKind) (Session, error) {
	account, err := identity.NormalizeAddress(rawAccount)
	if err != nil {
		return Session{}, err
	}

	// Owner lookup failing must not block the session; the holder just
	// gets no owner privileges.
	isOwner := false
	owner, err := c.backend.Owner(ctx)
	if err != nil {
		c.logger.Warn("could not read ledger owner, continuing without owner check", "error", err)
	} else {
		isOwner = strings.EqualFold(owner, account)
	}

	c.mu.Lock()
	c.epoch++
	sess := Session{
		Account:     account,
		Owner:       isOwner,
		ConnectedAt: time.Now().UTC(),
		Epoch:       c.epoch,
	}
	c.session = &sess
	c.mu.Unlock()

	c.logger.Info("ledger session opened", "account", account, "owner", isOwner, "epoch", sess.Epoch, "event", string(kind))
	c.emit(Event{Kind: kind, Account: account, Epoch: sess.Epoch})
	return sess, nil
}

// Session returns the live session, if any.
func (c *Client) Session() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// CurrentAccount implements identity.AccountSource.
func (c *Client) CurrentAccount() (string, bool) {
	sess, ok := c.Session()
	return sess.Account, ok
}

// Events subscribes to session events. The returned func unsubscribes.
func (c *Client) Events() (<-chan Event, func()) {
	return c.events.subscribe(16)
}

func (c *Client) emit(ev Event) {
	ev.At = time.Now().UTC()
	c.opts.Metrics.ObserveEvent(string(ev.Kind))
	if dropped := c.events.publish(ev); dropped > 0 {
		c.logger.Debug("session event dropped for slow subscribers", "kind", string(ev.Kind), "dropped", dropped)
	}
}

// call runs fn against the live session, applying the call timeout and
// recording the outcome.
func (c *Client) call(ctx context.Context, op string, fn func(ctx context.Context, sess Session) error) error {
	sess, ok := c.Session()
	if !ok {
		c.opts.Metrics.ObserveCall(op, "not_connected", 0)
		return ErrNotConnected
	}

	parent := ctx
	if c.opts.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx, sess)
	// Only our own deadline is a ledger timeout; the caller's is theirs.
	if err != nil && c.opts.CallTimeout > 0 && parent.Err() == nil &&
		errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimedOut) {
		err = fmt.Errorf("%s: %w", op, ErrTimedOut)
	}
	c.opts.Metrics.ObserveCall(op, outcome(err), time.Since(start))
	return err
}

func (c *Client) confirm(ctx context.Context, sess Session, tx Tx) error {
	if err := c.wallet.Confirm(ctx, sess.Account, tx); err != nil {
		if errors.Is(err, ErrUserCancelled) {
			return err
		}
		return fmt.Errorf("confirm %s: %w", tx.Method, err)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimedOut):
		return "timed_out"
	case errors.Is(err, ErrUserCancelled):
		return "cancelled"
	case errors.Is(err, ErrRejectedByLedger):
		return "rejected"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	default:
		return "error"
	}
}
