// Package escrow tracks fees held by the router between request creation
// and settlement.
package escrow

import (
	"fmt"
	"math/big"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"
)

const codespace = "escrow"

var (
	ErrInsufficientBalanceOrAllowance = errorsmod.Register(codespace, 2, "insufficient balance or allowance")
	ErrLedgerUnderflow                = errorsmod.Register(codespace, 3, "ledger underflow")
	ErrTransferFailed                 = errorsmod.Register(codespace, 4, "token transfer failed")
	ErrInvalidAmount                  = errorsmod.Register(codespace, 5, "invalid amount")
)

// Token is the fee token as seen by the router. Any call may fail.
type Token interface {
	Address() common.Address
	BalanceOf(owner common.Address) *big.Int
	// Transfer moves amount from the caller's own balance.
	Transfer(from, to common.Address, amount *big.Int) error
	// TransferFrom moves amount out of from's balance using spender's allowance.
	TransferFrom(spender, from, to common.Address, amount *big.Int) error
}

type pair struct {
	consumer common.Address
	provider common.Address
}

// Ledger holds per (consumer, provider) balances and the global total.
// It is not safe for concurrent use; the router serialises access.
type Ledger struct {
	token   Token
	custody common.Address
	held    map[pair]*big.Int
	total   *big.Int
}

// NewLedger returns an empty ledger whose tokens sit at custody.
func NewLedger(token Token, custody common.Address) *Ledger {
	return &Ledger{
		token:   token,
		custody: custody,
		held:    make(map[pair]*big.Int),
		total:   new(big.Int),
	}
}

// Custody returns the address holding escrowed tokens.
func (l *Ledger) Custody() common.Address { return l.custody }

// Token returns the fee token.
func (l *Ledger) Token() Token { return l.token }

// Reserve pulls amount from the consumer into custody and books it against
// the pair. Counters move only if the transfer succeeds.
func (l *Ledger) Reserve(consumer, provider common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errorsmod.Wrapf(ErrInvalidAmount, "reserve %v", amount)
	}
	if err := l.token.TransferFrom(l.custody, consumer, l.custody, amount); err != nil {
		return errorsmod.Wrapf(ErrInsufficientBalanceOrAllowance, "consumer %s: %v", consumer.Hex(), err)
	}
	l.book(pair{consumer, provider}, amount)
	return nil
}

// Settle releases amount booked against the pair to recipient. It never lets
// a counter go negative, and leaves counters untouched if the transfer fails.
func (l *Ledger) Settle(consumer, provider common.Address, amount *big.Int, recipient common.Address) error {
	if amount == nil || amount.Sign() < 0 {
		return errorsmod.Wrapf(ErrInvalidAmount, "settle %v", amount)
	}
	k := pair{consumer, provider}
	cur := l.held[k]
	if cur == nil || cur.Cmp(amount) < 0 || l.total.Cmp(amount) < 0 {
		return errorsmod.Wrapf(ErrLedgerUnderflow, "pair %s/%s holds %v, settling %s",
			consumer.Hex(), provider.Hex(), cur, amount)
	}
	if err := l.token.Transfer(l.custody, recipient, amount); err != nil {
		return errorsmod.Wrapf(ErrTransferFailed, "to %s: %v", recipient.Hex(), err)
	}
	cur.Sub(cur, amount)
	if cur.Sign() == 0 {
		delete(l.held, k)
	}
	l.total.Sub(l.total, amount)
	return nil
}

// Reclaim reverses a Settle: amount moves from back into custody and is
// booked against the pair again. Counters move only if the transfer succeeds.
func (l *Ledger) Reclaim(consumer, provider common.Address, amount *big.Int, from common.Address) error {
	if amount == nil || amount.Sign() < 0 {
		return errorsmod.Wrapf(ErrInvalidAmount, "reclaim %v", amount)
	}
	if err := l.token.Transfer(from, l.custody, amount); err != nil {
		return errorsmod.Wrapf(ErrTransferFailed, "from %s: %v", from.Hex(), err)
	}
	l.book(pair{consumer, provider}, amount)
	return nil
}

func (l *Ledger) book(k pair, amount *big.Int) {
	cur, ok := l.held[k]
	if !ok {
		cur = new(big.Int)
		l.held[k] = cur
	}
	cur.Add(cur, amount)
	l.total.Add(l.total, amount)
}

// TokensHeld returns a copy of the pair's balance.
func (l *Ledger) TokensHeld(consumer, provider common.Address) *big.Int {
	if cur := l.held[pair{consumer, provider}]; cur != nil {
		return new(big.Int).Set(cur)
	}
	return new(big.Int)
}

// TotalTokensHeld returns a copy of the global total.
func (l *Ledger) TotalTokensHeld() *big.Int { return new(big.Int).Set(l.total) }

// Check verifies sum(pairs) == total == custody balance.
func (l *Ledger) Check() error {
	sum := new(big.Int)
	for k, v := range l.held {
		if v.Sign() < 0 {
			return fmt.Errorf("escrow: negative balance for %s/%s", k.consumer.Hex(), k.provider.Hex())
		}
		sum.Add(sum, v)
	}
	if sum.Cmp(l.total) != 0 {
		return fmt.Errorf("escrow: pair sum %s != total %s", sum, l.total)
	}
	if bal := l.token.BalanceOf(l.custody); bal.Cmp(l.total) != 0 {
		return fmt.Errorf("escrow: custody balance %s != total %s", bal, l.total)
	}
	return nil
}
