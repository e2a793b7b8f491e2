package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	errInsufficientBalance   = errors.New("transfer amount exceeds balance")
	errInsufficientAllowance = errors.New("insufficient allowance")
)

type allowanceKey struct {
	owner   common.Address
	spender common.Address
}

// MemToken is an in-memory ERC-20 style token used by the local chain and
// tests.
type MemToken struct {
	mu         sync.Mutex
	address    common.Address
	balances   map[common.Address]*big.Int
	allowances map[allowanceKey]*big.Int
}

func NewMemToken(address common.Address) *MemToken {
	return &MemToken{
		address:    address,
		balances:   make(map[common.Address]*big.Int),
		allowances: make(map[allowanceKey]*big.Int),
	}
}

func (t *MemToken) Address() common.Address { return t.address }

// Mint credits amount to owner.
func (t *MemToken) Mint(owner common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.balanceLocked(owner).Add(t.balanceLocked(owner), amount)
}

// Approve sets spender's allowance over owner's balance.
func (t *MemToken) Approve(owner, spender common.Address, amount *big.Int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.allowances[allowanceKey{owner, spender}] = new(big.Int).Set(amount)
}

func (t *MemToken) Allowance(owner, spender common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a := t.allowances[allowanceKey{owner, spender}]; a != nil {
		return new(big.Int).Set(a)
	}
	return new(big.Int)
}

func (t *MemToken) BalanceOf(owner common.Address) *big.Int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return new(big.Int).Set(t.balanceLocked(owner))
}

func (t *MemToken) Transfer(from, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.moveLocked(from, to, amount)
}

func (t *MemToken) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := allowanceKey{from, spender}
	allowed := t.allowances[k]
	if allowed == nil || allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s approved %v for %s, need %s", errInsufficientAllowance, from.Hex(), allowed, spender.Hex(), amount)
	}
	if err := t.moveLocked(from, to, amount); err != nil {
		return err
	}
	allowed.Sub(allowed, amount)
	return nil
}

func (t *MemToken) moveLocked(from, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("negative amount %s", amount)
	}
	src := t.balanceLocked(from)
	if src.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, need %s", errInsufficientBalance, from.Hex(), src, amount)
	}
	src.Sub(src, amount)
	dst := t.balanceLocked(to)
	dst.Add(dst, amount)
	return nil
}

func (t *MemToken) balanceLocked(owner common.Address) *big.Int {
	b, ok := t.balances[owner]
	if !ok {
		b = new(big.Int)
		t.balances[owner] = b
	}
	return b
}
