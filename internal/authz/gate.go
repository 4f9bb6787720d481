// Package authz decides who may authorize providers and who may finalize
// appointments. The ledger is the only source for both answers.
package authz

import (
	"context"
	"errors"
	"fmt"

	"github.com/hackgods/ledger-appointment-portal/internal/identity"
	"github.com/hackgods/ledger-appointment-portal/internal/ledger"
	"github.com/hackgods/ledger-appointment-portal/internal/logging"
)

var ErrNotOwner = errors.New("only the ledger owner may change provider authorization")

// Ledger is the part of ledger.Client the gate needs.
type Ledger interface {
	Session() (ledger.Session, bool)
	ReadOwner(ctx context.Context) (string, error)
	ReadAuthorization(ctx context.Context, provider string) (bool, error)
	SubmitAuthorize(ctx context.Context, provider string) error
	SubmitRevoke(ctx context.Context, provider string) error
}

type Gate struct {
	ledger Ledger
	logger *logging.Logger
}

func NewGate(l Ledger, logger *logging.Logger) *Gate {
	if logger == nil {
		logger = logging.Default()
	}
	return &Gate{ledger: l, logger: logger.With("component", "authz")}
}

func (g *Gate) Authorize(ctx context.Context, provider string) error {
	addr, err := g.ownerWrite(ctx, provider)
	if err != nil {
		return err
	}
	if err := g.ledger.SubmitAuthorize(ctx, addr); err != nil {
		return fmt.Errorf("authorize %s: %w", addr, err)
	}
	g.logger.Info("provider authorized", "provider", addr)
	return nil
}

func (g *Gate) Revoke(ctx context.Context, provider string) error {
	addr, err := g.ownerWrite(ctx, provider)
	if err != nil {
		return err
	}
	if err := g.ledger.SubmitRevoke(ctx, addr); err != nil {
		return fmt.Errorf("revoke %s: %w", addr, err)
	}
	g.logger.Info("provider revoked", "provider", addr)
	return nil
}

// ownerWrite validates the provider and checks the session account against
// the owner recorded on the ledger. No ledger write happens on failure.
func (g *Gate) ownerWrite(ctx context.Context, provider string) (string, error) {
	addr, err := identity.NormalizeAddress(provider)
	if err != nil {
		return "", err
	}
	sess, ok := g.ledger.Session()
	if !ok {
		return "", ledger.ErrNotConnected
	}
	owner, err := g.ledger.ReadOwner(ctx)
	if err != nil {
		return "", fmt.Errorf("read owner: %w", err)
	}
	if !identity.SameIdentity(owner, sess.Account) {
		return "", ErrNotOwner
	}
	return addr, nil
}

// IsAuthorized is open to anyone. Unknown providers and ledger read errors
// both answer false; only a malformed address is an error.
func (g *Gate) IsAuthorized(ctx context.Context, provider string) (bool, error) {
	addr, err := identity.NormalizeAddress(provider)
	if err != nil {
		return false, err
	}
	ok, err := g.ledger.ReadAuthorization(ctx, addr)
	if err != nil {
		g.logger.Warn("authorization read failed", "provider", addr, "error", err)
		return false, nil
	}
	return ok, nil
}

// CanFinalize reports whether the session account may approve or decline:
// the owner always can, anyone else must be an authorized provider.
func (g *Gate) CanFinalize(ctx context.Context) (bool, error) {
	sess, ok := g.ledger.Session()
	if !ok {
		return false, ledger.ErrNotConnected
	}
	if sess.Owner {
		return true, nil
	}
	allowed, err := g.ledger.ReadAuthorization(ctx, sess.Account)
	if err != nil {
		return false, fmt.Errorf("read authorization: %w", err)
	}
	return allowed, nil
}

// CurrentUserAuthorized is the provider dashboard check. Without a session
// the answer is false.
func (g *Gate) CurrentUserAuthorized(ctx context.Context) bool {
	sess, ok := g.ledger.Session()
	if !ok {
		return false
	}
	allowed, _ := g.IsAuthorized(ctx, sess.Account)
	return allowed
}
