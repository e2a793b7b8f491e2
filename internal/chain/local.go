package chain

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-oracle-router/internal/escrow"
	"github.com/0gfoundation/0g-oracle-router/internal/oracle"
	"github.com/0gfoundation/0g-oracle-router/internal/router"
)

// LocalConfig describes an in-process router deployment.
type LocalConfig struct {
	Salt      common.Hash
	Admin     common.Address
	Custody   common.Address
	Token     common.Address
	StartTime uint64
	// AutoMine mines a block for every broadcast transaction.
	AutoMine bool
}

type pendingTx struct {
	from common.Address
	sub  oracle.Submission
}

// Local is an in-process chain hosting one router. Every executed call is
// mined in its own block; broadcast fulfilments wait in a mempool until the
// next Mine unless AutoMine is set.
type Local struct {
	// execMu serialises block production.
	execMu sync.Mutex

	mu        sync.Mutex
	height    uint64
	now       uint64
	autoMine  bool
	logs      []oracle.Event
	receipts  map[common.Hash]*oracle.Receipt
	seen      map[common.Hash]bool
	mempool   []pendingTx
	txCounter uint64

	// position of the transaction currently executing, for event stamping
	curHeight uint64
	curRef    common.Hash
	curIndex  uint

	token     *escrow.MemToken
	contracts *router.Contracts
	router    *router.Router
	log       *zap.Logger
}

func NewLocal(cfg LocalConfig, log *zap.Logger) *Local {
	l := &Local{
		now:       cfg.StartTime,
		autoMine:  cfg.AutoMine,
		receipts:  make(map[common.Hash]*oracle.Receipt),
		seen:      make(map[common.Hash]bool),
		token:     escrow.NewMemToken(cfg.Token),
		contracts: router.NewContracts(),
		log:       log,
	}
	l.router = router.New(router.Config{
		Salt:    cfg.Salt,
		Token:   l.token,
		Custody: cfg.Custody,
		Admin:   cfg.Admin,
	}, l.contracts, l, log)
	return l
}

func (l *Local) Router() *router.Router       { return l.router }
func (l *Local) Token() *escrow.MemToken      { return l.token }
func (l *Local) Contracts() *router.Contracts { return l.contracts }

// Emit stamps a router event with the executing transaction's position.
func (l *Local) Emit(ev oracle.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ev.Height = l.curHeight
	ev.TxRef = l.curRef
	ev.Index = l.curIndex
	l.curIndex++
	l.logs = append(l.logs, ev)
}

// ── Time and blocks ───────────────────────────────────────────────────────

func (l *Local) Head() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.height
}

func (l *Local) Now() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.now
}

func (l *Local) SetTime(ts uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = ts
}

func (l *Local) AdvanceTime(seconds uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now += seconds
}

// Mine produces n blocks. The first includes every pending transaction.
func (l *Local) Mine(ctx context.Context, n int) {
	l.execMu.Lock()
	defer l.execMu.Unlock()
	for i := 0; i < n; i++ {
		l.mineLocked(ctx)
	}
}

// DropPending discards the mempool, as if the transactions were lost.
func (l *Local) DropPending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := len(l.mempool)
	for _, p := range l.mempool {
		delete(l.seen, p.sub.TxRef)
	}
	l.mempool = nil
	return n
}

func (l *Local) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.mempool)
}

func (l *Local) mineLocked(ctx context.Context) {
	l.mu.Lock()
	l.height++
	pending := l.mempool
	l.mempool = nil
	l.mu.Unlock()

	for _, p := range pending {
		msg := l.msg(p.from, p.sub.GasPrice)
		l.runTx(ctx, p.sub.TxRef, func(ctx context.Context) (uint64, error) {
			err := l.router.FulfillRequest(ctx, msg, p.sub.Call.RequestID, p.sub.Call.RequestedData, p.sub.Call.Signature)
			return 0, err
		})
	}
}

// runTx executes fn at the current height and records its receipt.
func (l *Local) runTx(ctx context.Context, ref common.Hash, fn func(context.Context) (uint64, error)) *oracle.Receipt {
	l.mu.Lock()
	l.curHeight, l.curRef, l.curIndex = l.height, ref, 0
	l.mu.Unlock()

	gas, err := fn(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	rcpt := &oracle.Receipt{TxRef: ref, Height: l.height, Success: err == nil, GasUsed: gas}
	if err != nil {
		rcpt.Reason = err.Error()
	}
	l.receipts[ref] = rcpt
	l.seen[ref] = true
	l.curRef = common.Hash{}
	cp := *rcpt
	return &cp
}

func (l *Local) msg(from common.Address, gasPrice *big.Int) router.Msg {
	l.mu.Lock()
	defer l.mu.Unlock()
	return router.Msg{Sender: from, GasPrice: gasPrice, Timestamp: l.now}
}

func (l *Local) nextRef(from common.Address, salt []byte) common.Hash {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txCounter++
	var ctr [8]byte
	binary.BigEndian.PutUint64(ctr[:], l.txCounter)
	return crypto.Keccak256Hash(from.Bytes(), ctr[:], salt)
}

// ── Direct calls ──────────────────────────────────────────────────────────

// Execute mines a block containing one call from `from`. The returned error
// is the call's revert reason, also recorded in the receipt.
func (l *Local) Execute(ctx context.Context, from common.Address, fn func(ctx context.Context, msg router.Msg) error) (*oracle.Receipt, error) {
	l.execMu.Lock()
	defer l.execMu.Unlock()
	l.mu.Lock()
	l.height++
	l.mu.Unlock()

	var callErr error
	msg := l.msg(from, nil)
	rcpt := l.runTx(ctx, l.nextRef(from, nil), func(ctx context.Context) (uint64, error) {
		callErr = fn(ctx, msg)
		return 0, callErr
	})
	return rcpt, callErr
}

func (l *Local) GrantPermission(ctx context.Context, consumer, provider common.Address) error {
	_, err := l.Execute(ctx, consumer, func(_ context.Context, msg router.Msg) error {
		l.router.GrantProviderPermission(msg, provider)
		return nil
	})
	return err
}

func (l *Local) RevokePermission(ctx context.Context, consumer, provider common.Address) error {
	_, err := l.Execute(ctx, consumer, func(_ context.Context, msg router.Msg) error {
		l.router.RevokeProviderPermission(msg, provider)
		return nil
	})
	return err
}

func (l *Local) Initialise(ctx context.Context, consumer common.Address, p router.InitialiseParams) error {
	_, err := l.Execute(ctx, consumer, func(ctx context.Context, msg router.Msg) error {
		return l.router.InitialiseRequest(ctx, msg, p)
	})
	return err
}

func (l *Local) Cancel(ctx context.Context, consumer common.Address, id common.Hash) error {
	_, err := l.Execute(ctx, consumer, func(ctx context.Context, msg router.Msg) error {
		return l.router.CancelRequest(ctx, msg, id)
	})
	return err
}

// FulfilDirect mines a fulfilment sent outside the mempool, as another
// provider node would.
func (l *Local) FulfilDirect(ctx context.Context, provider common.Address, gasPrice *big.Int, id common.Hash, data *big.Int, sig []byte) error {
	_, err := l.Execute(ctx, provider, func(ctx context.Context, msg router.Msg) error {
		msg.GasPrice = gasPrice
		return l.router.FulfillRequest(ctx, msg, id, data, sig)
	})
	return err
}

// ── Mempool and queries ───────────────────────────────────────────────────

// broadcast adds a fulfilment to the mempool. A known reference is ignored.
func (l *Local) broadcast(ctx context.Context, from common.Address, sub oracle.Submission) {
	l.mu.Lock()
	if l.seen[sub.TxRef] {
		l.mu.Unlock()
		return
	}
	l.seen[sub.TxRef] = true
	l.mempool = append(l.mempool, pendingTx{from: from, sub: sub})
	auto := l.autoMine
	l.mu.Unlock()

	if auto {
		l.Mine(ctx, 1)
	}
}

// Receipt returns the mined receipt for ref, or nil.
func (l *Local) Receipt(ref common.Hash) *oracle.Receipt {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[ref]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

// Logs returns events of kind in [from, to].
func (l *Local) Logs(kind oracle.EventKind, from, to uint64) []oracle.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []oracle.Event
	for _, ev := range l.logs {
		if ev.Kind == kind && ev.Height >= from && ev.Height <= to {
			out = append(out, ev)
		}
	}
	return out
}

// ── Provider client ───────────────────────────────────────────────────────

// LocalClient is a provider's view of a Local chain.
type LocalClient struct {
	chain    *Local
	from     common.Address
	gasPrice *big.Int
}

// Client returns a provider client that pays gasPrice, capped per request.
func (l *Local) Client(from common.Address, gasPrice *big.Int) *LocalClient {
	return &LocalClient{chain: l, from: from, gasPrice: new(big.Int).Set(gasPrice)}
}

func (c *LocalClient) From() common.Address { return c.from }

func (c *LocalClient) HeadHeight(context.Context) (uint64, error) {
	return c.chain.Head(), nil
}

func (c *LocalClient) Events(_ context.Context, kind oracle.EventKind, from, to uint64) ([]oracle.Event, error) {
	if from > to {
		return nil, fmt.Errorf("invalid range [%d, %d]", from, to)
	}
	return c.chain.Logs(kind, from, to), nil
}

func (c *LocalClient) RequestLive(_ context.Context, id common.Hash) (bool, error) {
	return c.chain.router.RequestExists(id), nil
}

func (c *LocalClient) PrepareFulfillment(_ context.Context, call oracle.FulfillmentCall) (*oracle.Submission, error) {
	price := new(big.Int).Set(c.gasPrice)
	if call.GasPriceLimit != nil && price.Cmp(call.GasPriceLimit) > 0 {
		price.Set(call.GasPriceLimit)
	}
	return &oracle.Submission{
		TxRef:    c.chain.nextRef(c.from, call.RequestID.Bytes()),
		GasPrice: price,
		Call:     call,
	}, nil
}

func (c *LocalClient) Broadcast(ctx context.Context, sub *oracle.Submission) error {
	c.chain.broadcast(ctx, c.from, *sub)
	return nil
}

func (c *LocalClient) Receipt(_ context.Context, ref common.Hash) (*oracle.Receipt, error) {
	return c.chain.Receipt(ref), nil
}
