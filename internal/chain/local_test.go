package chain

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-oracle-router/internal/oracle"
	"github.com/0gfoundation/0g-oracle-router/internal/requestid"
	"github.com/0gfoundation/0g-oracle-router/internal/router"
)

var (
	localSalt     = common.HexToHash("0x01")
	localCustody  = common.HexToAddress("0x000000000000000000000000000000000000C057")
	localConsumer = common.HexToAddress("0x000000000000000000000000000000000000C0DE")
	localProvider = common.HexToAddress("0x0000000000000000000000000000000000000999")
)

const localStart = uint64(1_700_000_000)

type received struct {
	data *big.Int
	id   common.Hash
}

func newTestLocal(t *testing.T, autoMine bool) (*Local, *[]received) {
	t.Helper()
	l := NewLocal(LocalConfig{
		Salt:      localSalt,
		Custody:   localCustody,
		Token:     common.HexToAddress("0x0000000000000000000000000000000000000F00"),
		StartTime: localStart,
		AutoMine:  autoMine,
	}, zap.NewNop())
	l.Token().Mint(localConsumer, big.NewInt(10_000))
	l.Token().Approve(localConsumer, localCustody, big.NewInt(10_000))

	var got []received
	l.Contracts().Deploy(localConsumer, router.ConsumerFunc(
		func(_ context.Context, _ [4]byte, data *big.Int, id common.Hash, _ []byte) (uint64, error) {
			got = append(got, received{data: data, id: id})
			return 1_000, nil
		}))
	require.NoError(t, l.GrantPermission(context.Background(), localConsumer, localProvider))
	return l, &got
}

func initialise(t *testing.T, l *Local, nonce int64) common.Hash {
	t.Helper()
	p := router.InitialiseParams{
		Provider:         localProvider,
		Fee:              big.NewInt(25),
		Nonce:            big.NewInt(nonce),
		DataSpec:         "ETH/USD",
		GasPriceLimit:    big.NewInt(100),
		ExpiresAt:        l.Now() + 300,
		CallbackSelector: requestid.Selector("receive(uint256,bytes32,bytes)"),
	}
	id, err := requestid.Compute(requestid.Params{
		Consumer:         localConsumer,
		Nonce:            p.Nonce,
		Provider:         p.Provider,
		DataSpec:         p.DataSpec,
		CallbackSelector: p.CallbackSelector,
		GasPriceLimit:    p.GasPriceLimit,
	}, localSalt)
	require.NoError(t, err)
	p.RequestID = id
	require.NoError(t, l.Initialise(context.Background(), localConsumer, p))
	return id
}

func TestLocal_ExecuteStampsEvents(t *testing.T) {
	l, _ := newTestLocal(t, false)
	require.Equal(t, uint64(1), l.Head())

	id := initialise(t, l, 1)
	require.Equal(t, uint64(2), l.Head())

	granted := l.Logs(oracle.KindPermissionGranted, 0, 10)
	require.Len(t, granted, 1)
	assert.Equal(t, uint64(1), granted[0].Height)

	requested := l.Logs(oracle.KindDataRequested, 2, 2)
	require.Len(t, requested, 1)
	ev := requested[0]
	assert.Equal(t, id, ev.RequestID())
	assert.Equal(t, uint64(2), ev.Height)
	assert.NotEqual(t, common.Hash{}, ev.TxRef)

	rcpt := l.Receipt(ev.TxRef)
	require.NotNil(t, rcpt)
	assert.True(t, rcpt.Success)
	assert.Empty(t, l.Logs(oracle.KindDataRequested, 3, 10))
}

func TestLocal_FailedCallRecordsRevert(t *testing.T) {
	l, _ := newTestLocal(t, false)
	id := initialise(t, l, 1)

	rcpt, err := l.Execute(context.Background(), localConsumer, func(ctx context.Context, msg router.Msg) error {
		return l.Router().CancelRequest(ctx, msg, id)
	})
	require.ErrorIs(t, err, router.ErrNotYetExpired)
	require.NotNil(t, rcpt)
	assert.False(t, rcpt.Success)
	assert.Contains(t, rcpt.Reason, "not yet expired")

	l.AdvanceTime(301)
	require.NoError(t, l.Cancel(context.Background(), localConsumer, id))
	assert.False(t, l.Router().RequestExists(id))
	assert.Equal(t, int64(10_000), l.Token().BalanceOf(localConsumer).Int64())
}

func TestLocalClient_MempoolAndMine(t *testing.T) {
	ctx := context.Background()
	l, got := newTestLocal(t, false)
	id := initialise(t, l, 1)
	c := l.Client(localProvider, big.NewInt(500))

	sub, err := c.PrepareFulfillment(ctx, oracle.FulfillmentCall{
		RequestID:     id,
		RequestedData: big.NewInt(42),
		Signature:     []byte{1},
		GasPriceLimit: big.NewInt(100),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), sub.GasPrice.Int64(), "price capped by request limit")

	require.NoError(t, c.Broadcast(ctx, sub))
	require.NoError(t, c.Broadcast(ctx, sub))
	assert.Equal(t, 1, l.PendingCount(), "duplicate broadcast is ignored")

	rcpt, err := c.Receipt(ctx, sub.TxRef)
	require.NoError(t, err)
	assert.Nil(t, rcpt)

	live, err := c.RequestLive(ctx, id)
	require.NoError(t, err)
	assert.True(t, live)

	l.Mine(ctx, 1)
	rcpt, err = c.Receipt(ctx, sub.TxRef)
	require.NoError(t, err)
	require.NotNil(t, rcpt)
	assert.True(t, rcpt.Success)
	assert.Equal(t, l.Head(), rcpt.Height)

	require.Len(t, *got, 1)
	assert.Equal(t, int64(42), (*got)[0].data.Int64())

	live, err = c.RequestLive(ctx, id)
	require.NoError(t, err)
	assert.False(t, live)

	head, _ := c.HeadHeight(ctx)
	evs, err := c.Events(ctx, oracle.KindRequestFulfilled, 0, head)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, sub.TxRef, evs[0].TxRef)
	assert.Equal(t, int64(25), evs[0].RequestFulfilled.Fee.Int64())
	assert.Equal(t, int64(25), l.Token().BalanceOf(localProvider).Int64())
}

func TestLocalClient_SecondSubmissionReverts(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLocal(t, true)
	id := initialise(t, l, 1)
	c := l.Client(localProvider, big.NewInt(10))

	call := oracle.FulfillmentCall{RequestID: id, RequestedData: big.NewInt(7), Signature: []byte{1}, GasPriceLimit: big.NewInt(100)}
	first, err := c.PrepareFulfillment(ctx, call)
	require.NoError(t, err)
	second, err := c.PrepareFulfillment(ctx, call)
	require.NoError(t, err)
	require.NotEqual(t, first.TxRef, second.TxRef)

	require.NoError(t, c.Broadcast(ctx, first))
	require.NoError(t, c.Broadcast(ctx, second))

	r1, _ := c.Receipt(ctx, first.TxRef)
	r2, _ := c.Receipt(ctx, second.TxRef)
	require.NotNil(t, r1)
	require.NotNil(t, r2)
	assert.True(t, r1.Success)
	assert.False(t, r2.Success)
	assert.Contains(t, r2.Reason, "does not exist")
}

func TestLocal_DropPending(t *testing.T) {
	ctx := context.Background()
	l, got := newTestLocal(t, false)
	id := initialise(t, l, 1)
	c := l.Client(localProvider, big.NewInt(10))

	sub, err := c.PrepareFulfillment(ctx, oracle.FulfillmentCall{RequestID: id, RequestedData: big.NewInt(1), Signature: []byte{1}})
	require.NoError(t, err)
	require.NoError(t, c.Broadcast(ctx, sub))
	assert.Equal(t, 1, l.DropPending())

	l.Mine(ctx, 2)
	r, _ := c.Receipt(ctx, sub.TxRef)
	assert.Nil(t, r)
	assert.Empty(t, *got)

	// a dropped transaction can be broadcast again
	require.NoError(t, c.Broadcast(ctx, sub))
	l.Mine(ctx, 1)
	r, _ = c.Receipt(ctx, sub.TxRef)
	require.NotNil(t, r)
	assert.True(t, r.Success)
}

func TestLocalClient_EventsRejectsInvertedRange(t *testing.T) {
	l, _ := newTestLocal(t, false)
	_, err := l.Client(localProvider, big.NewInt(1)).Events(context.Background(), oracle.KindDataRequested, 5, 4)
	require.Error(t, err)
}
