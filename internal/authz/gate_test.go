package authz

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/ledger-appointment-portal/internal/identity"
	"github.com/hackgods/ledger-appointment-portal/internal/ledger"
	"github.com/hackgods/ledger-appointment-portal/internal/ledger/chain"
	"github.com/hackgods/ledger-appointment-portal/internal/logging"
)

const (
	owner    = "0x1111111111111111111111111111111111111111"
	provider = "0x742d35cc6635c0532925a3b8d5c9b3b5e2e5b9d8"
	stranger = "0x8ba1f109551bd432803012645aac136c30c85a1c"
)

func setup(t *testing.T) *chain.Chain {
	t.Helper()
	c, err := chain.OpenMemory(chain.Options{Owner: owner, Logger: logging.Discard()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func gateFor(t *testing.T, c *chain.Chain, account string) (*Gate, *ledger.Client) {
	t.Helper()
	client := ledger.NewClient(c, ledger.StaticWallet{Account: account}, ledger.Options{Logger: logging.Discard()})
	_, err := client.Connect(context.Background())
	require.NoError(t, err)
	return NewGate(client, logging.Discard()), client
}

func TestGate_OwnerAuthorizesAndRevokes(t *testing.T) {
	ctx := context.Background()
	c := setup(t)
	gate, _ := gateFor(t, c, owner)

	ok, err := gate.IsAuthorized(ctx, provider)
	require.NoError(t, err)
	assert.False(t, ok, "unknown provider is unauthorized")

	require.NoError(t, gate.Authorize(ctx, "0x742D35CC6635C0532925A3B8D5C9B3B5E2E5B9D8"))
	ok, err = gate.IsAuthorized(ctx, provider)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, gate.Revoke(ctx, provider))
	ok, err = gate.IsAuthorized(ctx, provider)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGate_NonOwnerCannotChangeAuthorization(t *testing.T) {
	ctx := context.Background()
	c := setup(t)
	gate, _ := gateFor(t, c, stranger)

	assert.ErrorIs(t, gate.Authorize(ctx, provider), ErrNotOwner)
	assert.ErrorIs(t, gate.Revoke(ctx, provider), ErrNotOwner)

	h, err := c.Height()
	require.NoError(t, err)
	assert.Zero(t, h, "nothing submitted to the ledger")
}

func TestGate_MalformedAddress(t *testing.T) {
	c := setup(t)
	gate, _ := gateFor(t, c, owner)

	_, err := gate.IsAuthorized(context.Background(), "0x123")
	assert.ErrorIs(t, err, identity.ErrInvalidIdentifier)
	assert.ErrorIs(t, gate.Authorize(context.Background(), "not-an-address"), identity.ErrInvalidIdentifier)
}

func TestGate_NotConnected(t *testing.T) {
	c := setup(t)
	client := ledger.NewClient(c, ledger.StaticWallet{Account: owner}, ledger.Options{Logger: logging.Discard()})
	gate := NewGate(client, logging.Discard())

	assert.ErrorIs(t, gate.Authorize(context.Background(), provider), ledger.ErrNotConnected)
	_, err := gate.CanFinalize(context.Background())
	assert.ErrorIs(t, err, ledger.ErrNotConnected)
	assert.False(t, gate.CurrentUserAuthorized(context.Background()))

	ok, err := gate.IsAuthorized(context.Background(), provider)
	require.NoError(t, err)
	assert.False(t, ok, "read errors answer false")
}

func TestGate_CanFinalize(t *testing.T) {
	ctx := context.Background()
	c := setup(t)
	ownerGate, _ := gateFor(t, c, owner)
	providerGate, _ := gateFor(t, c, provider)

	ok, err := ownerGate.CanFinalize(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = providerGate.CanFinalize(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, providerGate.CurrentUserAuthorized(ctx))

	require.NoError(t, ownerGate.Authorize(ctx, provider))
	ok, err = providerGate.CanFinalize(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, providerGate.CurrentUserAuthorized(ctx))
}

type failingLedger struct {
	Ledger
}

func (failingLedger) Session() (ledger.Session, bool) {
	return ledger.Session{Account: provider}, true
}

func (failingLedger) ReadAuthorization(context.Context, string) (bool, error) {
	return false, errors.New("node unavailable")
}

func TestGate_ReadErrors(t *testing.T) {
	gate := NewGate(failingLedger{}, logging.Discard())

	ok, err := gate.IsAuthorized(context.Background(), provider)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = gate.CanFinalize(context.Background())
	assert.Error(t, err)
}
