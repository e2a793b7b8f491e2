package router

import (
	"errors"

	errorsmod "cosmossdk.io/errors"

	"github.com/0gfoundation/0g-oracle-router/internal/escrow"
)

const codespace = "router"

// Precondition violations: the call reverts with no side effects.
var (
	ErrNotContract          = errorsmod.Register(codespace, 2, "caller is not a contract")
	ErrNotAuthorised        = errorsmod.Register(codespace, 3, "provider not authorised")
	ErrExpiryNotInFuture    = errorsmod.Register(codespace, 4, "expiration must be in the future")
	ErrRequestIDMismatch    = errorsmod.Register(codespace, 5, "request id does not match parameters")
	ErrAlreadyInitialised   = errorsmod.Register(codespace, 6, "request already initialised")
	ErrDoesNotExist         = errorsmod.Register(codespace, 7, "request does not exist")
	ErrNotProvider          = errorsmod.Register(codespace, 8, "caller is not the request provider")
	ErrNotConsumer          = errorsmod.Register(codespace, 9, "caller is not the request consumer")
	ErrGasPriceTooHigh      = errorsmod.Register(codespace, 10, "gas price exceeds request limit")
	ErrEmptySignature       = errorsmod.Register(codespace, 11, "signature required")
	ErrNotYetExpired        = errorsmod.Register(codespace, 12, "request not yet expired")
	ErrFeeBelowMinimum      = errorsmod.Register(codespace, 13, "fee below provider minimum")
	ErrGasLimitAboveCeiling = errorsmod.Register(codespace, 14, "gas price limit above ceiling")
	ErrMissingRole          = errorsmod.Register(codespace, 15, "caller lacks role")
	ErrInvalidParams        = errorsmod.Register(codespace, 16, "invalid request parameters")
)

// External call failures: the whole transition is rolled back.
var ErrCallbackFailed = errorsmod.Register(codespace, 20, "consumer callback failed")

var preconditions = []error{
	ErrNotContract, ErrNotAuthorised, ErrExpiryNotInFuture, ErrRequestIDMismatch,
	ErrAlreadyInitialised, ErrDoesNotExist, ErrNotProvider, ErrNotConsumer,
	ErrGasPriceTooHigh, ErrEmptySignature, ErrNotYetExpired, ErrFeeBelowMinimum,
	ErrGasLimitAboveCeiling, ErrMissingRole, ErrInvalidParams,
}

// IsPrecondition reports a bad caller, timing, or parameter revert.
func IsPrecondition(err error) bool {
	for _, target := range preconditions {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsLedgerInvariant reports an escrow underflow. Reaching it means a bug.
func IsLedgerInvariant(err error) bool {
	return errors.Is(err, escrow.ErrLedgerUnderflow)
}

// IsExternalCall reports a failed token transfer or consumer callback.
func IsExternalCall(err error) bool {
	return errors.Is(err, ErrCallbackFailed) ||
		errors.Is(err, escrow.ErrInsufficientBalanceOrAllowance) ||
		errors.Is(err, escrow.ErrTransferFailed)
}
