package escrow

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

var (
	routerAddr = common.HexToAddress("0x0000000000000000000000000000000000000ABC")
	tokenAddr  = common.HexToAddress("0x0000000000000000000000000000000000000F00")
	consumer   = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	provider   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	provider2  = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func newFundedLedger(t *testing.T, balance, allowance int64) (*Ledger, *MemToken) {
	t.Helper()
	tok := NewMemToken(tokenAddr)
	tok.Mint(consumer, big.NewInt(balance))
	tok.Approve(consumer, routerAddr, big.NewInt(allowance))
	return NewLedger(tok, routerAddr), tok
}

func TestReserve_MovesTokensAndBooksPair(t *testing.T) {
	l, tok := newFundedLedger(t, 1000, 1000)

	require.NoError(t, l.Reserve(consumer, provider, big.NewInt(100)))
	require.NoError(t, l.Reserve(consumer, provider2, big.NewInt(40)))

	require.Equal(t, int64(100), l.TokensHeld(consumer, provider).Int64())
	require.Equal(t, int64(40), l.TokensHeld(consumer, provider2).Int64())
	require.Equal(t, int64(140), l.TotalTokensHeld().Int64())
	require.Equal(t, int64(140), tok.BalanceOf(routerAddr).Int64())
	require.Equal(t, int64(860), tok.BalanceOf(consumer).Int64())
	require.NoError(t, l.Check())
}

func TestReserve_TransferFailureLeavesLedgerUntouched(t *testing.T) {
	l, tok := newFundedLedger(t, 1000, 50)

	err := l.Reserve(consumer, provider, big.NewInt(100))
	require.ErrorIs(t, err, ErrInsufficientBalanceOrAllowance)
	require.Zero(t, l.TotalTokensHeld().Sign())
	require.Zero(t, l.TokensHeld(consumer, provider).Sign())
	require.Equal(t, int64(1000), tok.BalanceOf(consumer).Int64())
	require.NoError(t, l.Check())
}

func TestSettle_PaysRecipient(t *testing.T) {
	l, tok := newFundedLedger(t, 1000, 1000)
	require.NoError(t, l.Reserve(consumer, provider, big.NewInt(100)))

	require.NoError(t, l.Settle(consumer, provider, big.NewInt(100), provider))

	require.Equal(t, int64(100), tok.BalanceOf(provider).Int64())
	require.Zero(t, l.TotalTokensHeld().Sign())
	require.Zero(t, tok.BalanceOf(routerAddr).Sign())
	require.NoError(t, l.Check())
}

func TestSettle_UnderflowIsRejected(t *testing.T) {
	l, _ := newFundedLedger(t, 1000, 1000)
	require.NoError(t, l.Reserve(consumer, provider, big.NewInt(10)))

	err := l.Settle(consumer, provider, big.NewInt(11), consumer)
	require.ErrorIs(t, err, ErrLedgerUnderflow)

	// other pair has nothing booked even though the total would cover it
	err = l.Settle(consumer, provider2, big.NewInt(1), consumer)
	require.ErrorIs(t, err, ErrLedgerUnderflow)

	require.Equal(t, int64(10), l.TotalTokensHeld().Int64())
	require.NoError(t, l.Check())
}

type failingToken struct {
	*MemToken
	failTransfer bool
}

func (f *failingToken) Transfer(from, to common.Address, amount *big.Int) error {
	if f.failTransfer {
		return errors.New("paused")
	}
	return f.MemToken.Transfer(from, to, amount)
}

func TestSettle_TransferFailureKeepsCounters(t *testing.T) {
	tok := &failingToken{MemToken: NewMemToken(tokenAddr)}
	tok.Mint(consumer, big.NewInt(100))
	tok.Approve(consumer, routerAddr, big.NewInt(100))
	l := NewLedger(tok, routerAddr)
	require.NoError(t, l.Reserve(consumer, provider, big.NewInt(100)))

	tok.failTransfer = true
	err := l.Settle(consumer, provider, big.NewInt(100), provider)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.Equal(t, int64(100), l.TokensHeld(consumer, provider).Int64())
	require.NoError(t, l.Check())
}

func TestReclaim_ReversesSettle(t *testing.T) {
	l, tok := newFundedLedger(t, 100, 100)
	require.NoError(t, l.Reserve(consumer, provider, big.NewInt(60)))
	require.NoError(t, l.Settle(consumer, provider, big.NewInt(60), provider))
	require.Zero(t, l.TotalTokensHeld().Sign())

	require.NoError(t, l.Reclaim(consumer, provider, big.NewInt(60), provider))
	require.Equal(t, int64(60), l.TokensHeld(consumer, provider).Int64())
	require.Equal(t, int64(60), l.TotalTokensHeld().Int64())
	require.Zero(t, tok.BalanceOf(provider).Sign())
	require.NoError(t, l.Check())
}

func TestReclaim_TransferFailureKeepsCounters(t *testing.T) {
	l, tok := newFundedLedger(t, 100, 100)
	require.NoError(t, l.Reserve(consumer, provider, big.NewInt(60)))
	require.NoError(t, l.Settle(consumer, provider, big.NewInt(60), provider))
	require.NoError(t, tok.Transfer(provider, consumer, big.NewInt(60)))

	err := l.Reclaim(consumer, provider, big.NewInt(60), provider)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.Zero(t, l.TotalTokensHeld().Sign())
	require.NoError(t, l.Check())
}

func TestInvalidAmounts(t *testing.T) {
	l, _ := newFundedLedger(t, 10, 10)
	require.ErrorIs(t, l.Reserve(consumer, provider, big.NewInt(-1)), ErrInvalidAmount)
	require.ErrorIs(t, l.Settle(consumer, provider, nil, provider), ErrInvalidAmount)
	require.ErrorIs(t, l.Reclaim(consumer, provider, big.NewInt(-1), provider), ErrInvalidAmount)
}
