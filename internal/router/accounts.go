package router

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Accounts answers account-type questions and dispatches consumer callbacks.
type Accounts interface {
	IsContract(addr common.Address) bool
	// Invoke calls selector(requestedData, requestId, signature) on consumer
	// and returns the gas it consumed.
	Invoke(ctx context.Context, consumer common.Address, selector [4]byte, data *big.Int, id common.Hash, sig []byte) (uint64, error)
}

// Consumer is a consumer contract's callback entry point.
type Consumer interface {
	OnOracleCallback(ctx context.Context, selector [4]byte, data *big.Int, id common.Hash, sig []byte) (gasUsed uint64, err error)
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(ctx context.Context, selector [4]byte, data *big.Int, id common.Hash, sig []byte) (uint64, error)

func (f ConsumerFunc) OnOracleCallback(ctx context.Context, selector [4]byte, data *big.Int, id common.Hash, sig []byte) (uint64, error) {
	return f(ctx, selector, data, id, sig)
}

// callBaseGas is charged for every callback on top of what the consumer
// reports.
const callBaseGas = 21_000

// Contracts is an in-memory account table: addresses with deployed code are
// contracts.
type Contracts struct {
	mu    sync.RWMutex
	codes map[common.Address]Consumer
}

func NewContracts() *Contracts {
	return &Contracts{codes: make(map[common.Address]Consumer)}
}

// Deploy places c at addr.
func (c *Contracts) Deploy(addr common.Address, consumer Consumer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[addr] = consumer
}

func (c *Contracts) IsContract(addr common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.codes[addr]
	return ok
}

func (c *Contracts) Invoke(ctx context.Context, consumer common.Address, selector [4]byte, data *big.Int, id common.Hash, sig []byte) (uint64, error) {
	c.mu.RLock()
	code, ok := c.codes[consumer]
	c.mu.RUnlock()
	if !ok {
		return callBaseGas, fmt.Errorf("no code at %s", consumer.Hex())
	}
	used, err := code.OnOracleCallback(ctx, selector, data, id, sig)
	return callBaseGas + used, err
}
