// Package router implements the oracle request state machine: creation,
// fulfilment and cancellation of data requests, with escrowed fees and
// consumer→provider authorisation.
package router

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	errorsmod "cosmossdk.io/errors"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/0gfoundation/0g-oracle-router/internal/authz"
	"github.com/0gfoundation/0g-oracle-router/internal/escrow"
	"github.com/0gfoundation/0g-oracle-router/internal/oracle"
	"github.com/0gfoundation/0g-oracle-router/internal/requestid"
)

// Msg is the call context of one router invocation.
type Msg struct {
	Sender    common.Address
	GasPrice  *big.Int
	Timestamp uint64
}

// EventSink receives router events in emission order.
type EventSink interface {
	Emit(ev oracle.Event)
}

// InitialiseParams are the consumer-supplied arguments of InitialiseRequest.
type InitialiseParams struct {
	Provider         common.Address
	Fee              *big.Int
	Nonce            *big.Int
	DataSpec         string
	GasPriceLimit    *big.Int
	ExpiresAt        uint64
	RequestID        common.Hash
	CallbackSelector [4]byte
}

// Config fixes a router deployment.
type Config struct {
	Salt    common.Hash
	Token   escrow.Token
	Custody common.Address
	Admin   common.Address
}

// Router is the request router. All state is owned by the value; one mutex
// serialises every operation.
type Router struct {
	mu sync.Mutex

	salt     common.Hash
	accounts Accounts
	sink     EventSink
	log      *zap.Logger

	ledger *escrow.Ledger
	perms  *authz.Registry
	roles  *authz.Roles

	requests map[common.Hash]oracle.DataRequest
	// settling holds requests whose consumer callback is running. Their IDs
	// stay reserved but they are no longer live.
	settling map[common.Hash]oracle.DataRequest

	minFees    map[common.Address]*big.Int
	gasCeiling *big.Int
}

// New creates a router. cfg.Admin receives RoleAdmin.
func New(cfg Config, accounts Accounts, sink EventSink, log *zap.Logger) *Router {
	roles := authz.NewRoles()
	roles.Grant(authz.RoleAdmin, cfg.Admin)
	return &Router{
		salt:     cfg.Salt,
		accounts: accounts,
		sink:     sink,
		log:      log,
		ledger:   escrow.NewLedger(cfg.Token, cfg.Custody),
		perms:    authz.NewRegistry(),
		roles:    roles,
		requests: make(map[common.Hash]oracle.DataRequest),
		settling: make(map[common.Hash]oracle.DataRequest),
		minFees:  make(map[common.Address]*big.Int),
	}
}

// ── Request lifecycle ─────────────────────────────────────────────────────

// InitialiseRequest creates a live request and escrows its fee. The sender is
// the consumer. On any error nothing changes.
func (r *Router) InitialiseRequest(_ context.Context, msg Msg, p InitialiseParams) error {
	if p.Fee == nil || p.Fee.Sign() < 0 || p.Nonce == nil || p.GasPriceLimit == nil {
		return errorsmod.Wrap(ErrInvalidParams, "fee, nonce and gas price limit are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	consumer := msg.Sender
	if !r.accounts.IsContract(consumer) {
		return errorsmod.Wrapf(ErrNotContract, "sender %s", consumer.Hex())
	}
	if !r.perms.IsAuthorized(consumer, p.Provider) {
		return errorsmod.Wrapf(ErrNotAuthorised, "consumer %s provider %s", consumer.Hex(), p.Provider.Hex())
	}
	if p.ExpiresAt <= msg.Timestamp {
		return errorsmod.Wrapf(ErrExpiryNotInFuture, "expires %d now %d", p.ExpiresAt, msg.Timestamp)
	}
	if floor := r.minFees[p.Provider]; floor != nil && p.Fee.Cmp(floor) < 0 {
		return errorsmod.Wrapf(ErrFeeBelowMinimum, "fee %s minimum %s", p.Fee, floor)
	}
	if r.gasCeiling != nil && p.GasPriceLimit.Cmp(r.gasCeiling) > 0 {
		return errorsmod.Wrapf(ErrGasLimitAboveCeiling, "limit %s ceiling %s", p.GasPriceLimit, r.gasCeiling)
	}
	want, err := requestid.Compute(requestid.Params{
		Consumer:         consumer,
		Nonce:            p.Nonce,
		Provider:         p.Provider,
		DataSpec:         p.DataSpec,
		CallbackSelector: p.CallbackSelector,
		GasPriceLimit:    p.GasPriceLimit,
	}, r.salt)
	if err != nil {
		return errorsmod.Wrap(ErrInvalidParams, err.Error())
	}
	if want != p.RequestID {
		return errorsmod.Wrapf(ErrRequestIDMismatch, "supplied %s computed %s", p.RequestID.Hex(), want.Hex())
	}
	if r.reservedLocked(p.RequestID) {
		return errorsmod.Wrapf(ErrAlreadyInitialised, "request %s", p.RequestID.Hex())
	}

	if err := r.ledger.Reserve(consumer, p.Provider, p.Fee); err != nil {
		return err
	}
	r.requests[p.RequestID] = oracle.DataRequest{
		RequestID:        p.RequestID,
		Consumer:         consumer,
		Provider:         p.Provider,
		CallbackSelector: p.CallbackSelector,
		Fee:              new(big.Int).Set(p.Fee),
		GasPriceLimit:    new(big.Int).Set(p.GasPriceLimit),
		ExpiresAt:        p.ExpiresAt,
		IsSet:            true,
	}
	r.sink.Emit(oracle.Event{
		Kind: oracle.KindDataRequested,
		DataRequested: &oracle.DataRequested{
			Consumer:         consumer,
			Provider:         p.Provider,
			Fee:              new(big.Int).Set(p.Fee),
			DataSpec:         p.DataSpec,
			RequestID:        p.RequestID,
			GasPriceLimit:    new(big.Int).Set(p.GasPriceLimit),
			ExpiresAt:        p.ExpiresAt,
			CallbackSelector: p.CallbackSelector,
			Nonce:            new(big.Int).Set(p.Nonce),
		},
	})
	r.log.Debug("request initialised",
		zap.String("request", p.RequestID.Hex()),
		zap.String("consumer", consumer.Hex()),
		zap.String("provider", p.Provider.Hex()),
		zap.String("fee", p.Fee.String()),
	)
	return nil
}

// FulfillRequest pays the provider, removes the request and only then
// delivers requestedData to the consumer. A failed payout leaves the request
// live without calling the consumer; a failed callback reclaims the payout
// and restores the request. Once the callback has succeeded the request is
// never live again.
func (r *Router) FulfillRequest(ctx context.Context, msg Msg, id common.Hash, requestedData *big.Int, signature []byte) error {
	if len(signature) == 0 {
		return ErrEmptySignature
	}
	if requestedData == nil {
		return errorsmod.Wrap(ErrInvalidParams, "requested data is required")
	}

	r.mu.Lock()
	req, ok := r.requests[id]
	if !ok {
		r.mu.Unlock()
		return errorsmod.Wrapf(ErrDoesNotExist, "request %s", id.Hex())
	}
	if msg.Sender != req.Provider {
		r.mu.Unlock()
		return errorsmod.Wrapf(ErrNotProvider, "sender %s provider %s", msg.Sender.Hex(), req.Provider.Hex())
	}
	if gasPrice(msg).Cmp(req.GasPriceLimit) > 0 {
		r.mu.Unlock()
		return errorsmod.Wrapf(ErrGasPriceTooHigh, "gas price %s limit %s", gasPrice(msg), req.GasPriceLimit)
	}
	if !r.perms.IsAuthorized(req.Consumer, req.Provider) {
		r.mu.Unlock()
		return errorsmod.Wrapf(ErrNotAuthorised, "consumer %s provider %s", req.Consumer.Hex(), req.Provider.Hex())
	}
	if err := r.ledger.Settle(req.Consumer, req.Provider, req.Fee, req.Provider); err != nil {
		r.mu.Unlock()
		if IsLedgerInvariant(err) {
			r.log.Error("escrow invariant violated on fulfil", zap.String("request", id.Hex()), zap.Error(err))
		}
		return err
	}
	delete(r.requests, id)
	r.settling[id] = req
	r.mu.Unlock()

	gasUsed, cbErr := r.accounts.Invoke(ctx, req.Consumer, req.CallbackSelector, requestedData, id, signature)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.settling, id)
	if cbErr != nil {
		if err := r.ledger.Reclaim(req.Consumer, req.Provider, req.Fee, req.Provider); err != nil {
			// the provider keeps the fee and the request stays settled
			r.log.Error("consumer callback failed and payout could not be reclaimed",
				zap.String("request", id.Hex()), zap.NamedError("callback", cbErr), zap.Error(err))
			return errorsmod.Wrapf(ErrCallbackFailed, "consumer %s: %v; reclaim: %v", req.Consumer.Hex(), cbErr, err)
		}
		r.requests[id] = req
		r.log.Info("consumer callback failed, request restored",
			zap.String("request", id.Hex()), zap.Error(cbErr))
		return errorsmod.Wrapf(ErrCallbackFailed, "consumer %s: %v", req.Consumer.Hex(), cbErr)
	}
	r.sink.Emit(oracle.Event{
		Kind: oracle.KindRequestFulfilled,
		RequestFulfilled: &oracle.RequestFulfilled{
			Consumer:      req.Consumer,
			Provider:      req.Provider,
			RequestID:     id,
			RequestedData: new(big.Int).Set(requestedData),
			Fee:           new(big.Int).Set(req.Fee),
			GasUsed:       gasUsed,
		},
	})
	r.log.Debug("request fulfilled", zap.String("request", id.Hex()), zap.Uint64("gas_used", gasUsed))
	return nil
}

// CancelRequest refunds an expired request to its consumer.
func (r *Router) CancelRequest(_ context.Context, msg Msg, id common.Hash) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[id]
	if !ok {
		return errorsmod.Wrapf(ErrDoesNotExist, "request %s", id.Hex())
	}
	if !r.accounts.IsContract(msg.Sender) {
		return errorsmod.Wrapf(ErrNotContract, "sender %s", msg.Sender.Hex())
	}
	if msg.Sender != req.Consumer {
		return errorsmod.Wrapf(ErrNotConsumer, "sender %s consumer %s", msg.Sender.Hex(), req.Consumer.Hex())
	}
	if msg.Timestamp < req.ExpiresAt {
		return errorsmod.Wrapf(ErrNotYetExpired, "expires %d now %d", req.ExpiresAt, msg.Timestamp)
	}
	if err := r.ledger.Settle(req.Consumer, req.Provider, req.Fee, req.Consumer); err != nil {
		if IsLedgerInvariant(err) {
			r.log.Error("escrow invariant violated on cancel", zap.String("request", id.Hex()), zap.Error(err))
		}
		return err
	}
	delete(r.requests, id)
	r.sink.Emit(oracle.Event{
		Kind: oracle.KindRequestCancelled,
		RequestCancelled: &oracle.RequestCancelled{
			Consumer:  req.Consumer,
			Provider:  req.Provider,
			RequestID: id,
			Refund:    new(big.Int).Set(req.Fee),
		},
	})
	r.log.Debug("request cancelled", zap.String("request", id.Hex()))
	return nil
}

// ── Permissions ───────────────────────────────────────────────────────────

// GrantProviderPermission authorises provider to serve the sender.
func (r *Router) GrantProviderPermission(msg Msg, provider common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perms.Grant(msg.Sender, provider)
	r.sink.Emit(oracle.Event{
		Kind:              oracle.KindPermissionGranted,
		PermissionChanged: &oracle.PermissionChanged{Consumer: msg.Sender, Provider: provider},
	})
}

// RevokeProviderPermission withdraws the sender's authorisation of provider.
// Live requests stay live but can no longer be fulfilled.
func (r *Router) RevokeProviderPermission(msg Msg, provider common.Address) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perms.Revoke(msg.Sender, provider)
	r.sink.Emit(oracle.Event{
		Kind:              oracle.KindPermissionRevoked,
		PermissionChanged: &oracle.PermissionChanged{Consumer: msg.Sender, Provider: provider},
	})
}

// ── Limits and roles ──────────────────────────────────────────────────────

// SetProviderMinFee sets the minimum fee the sender accepts as a provider.
func (r *Router) SetProviderMinFee(msg Msg, fee *big.Int) error {
	if fee == nil || fee.Sign() < 0 {
		return errorsmod.Wrap(ErrInvalidParams, "minimum fee must be non-negative")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.minFees[msg.Sender] = new(big.Int).Set(fee)
	return nil
}

// SetGasPriceCeiling caps the gas price limit of new requests. A nil ceiling
// removes the cap.
func (r *Router) SetGasPriceCeiling(msg Msg, ceiling *big.Int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireRole(authz.RoleAdmin, msg.Sender); err != nil {
		return err
	}
	if ceiling == nil {
		r.gasCeiling = nil
		return nil
	}
	r.gasCeiling = new(big.Int).Set(ceiling)
	return nil
}

func (r *Router) GrantRole(msg Msg, role authz.Role, addr common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireRole(authz.RoleAdmin, msg.Sender); err != nil {
		return err
	}
	r.roles.Grant(role, addr)
	return nil
}

func (r *Router) RevokeRole(msg Msg, role authz.Role, addr common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.requireRole(authz.RoleAdmin, msg.Sender); err != nil {
		return err
	}
	r.roles.Revoke(role, addr)
	return nil
}

func (r *Router) HasRole(role authz.Role, addr common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roles.HasRole(role, addr)
}

func (r *Router) requireRole(role authz.Role, addr common.Address) error {
	if !r.roles.HasRole(role, addr) {
		return errorsmod.Wrapf(ErrMissingRole, "%s lacks %s", addr.Hex(), role)
	}
	return nil
}

// ── Read accessors ────────────────────────────────────────────────────────

func (r *Router) IsAuthorised(consumer, provider common.Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.perms.IsAuthorized(consumer, provider)
}

func (r *Router) TokensHeld(consumer, provider common.Address) *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.TokensHeld(consumer, provider)
}

func (r *Router) TotalTokensHeld() *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ledger.TotalTokensHeld()
}

// GetRequest returns a copy of the live request under id.
func (r *Router) GetRequest(id common.Hash) (oracle.DataRequest, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	req, ok := r.requests[id]
	if !ok {
		return oracle.DataRequest{}, false
	}
	req.Fee = new(big.Int).Set(req.Fee)
	req.GasPriceLimit = new(big.Int).Set(req.GasPriceLimit)
	return req, true
}

// RequestExists reports whether id is live. A request whose callback is
// running is not.
func (r *Router) RequestExists(id common.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.requests[id]
	return ok
}

// GetDataRequestConsumer returns the consumer of a live request, or the zero
// address.
func (r *Router) GetDataRequestConsumer(id common.Hash) common.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[id].Consumer
}

func (r *Router) ProviderMinFee(provider common.Address) *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if fee := r.minFees[provider]; fee != nil {
		return new(big.Int).Set(fee)
	}
	return new(big.Int)
}

// GasPriceCeiling returns the cap on request gas price limits, or nil.
func (r *Router) GasPriceCeiling() *big.Int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gasCeiling == nil {
		return nil
	}
	return new(big.Int).Set(r.gasCeiling)
}

func (r *Router) Salt() common.Hash { return r.salt }

func (r *Router) TokenAddress() common.Address { return r.ledger.Token().Address() }

// Custody returns the address that holds escrowed fees.
func (r *Router) Custody() common.Address { return r.ledger.Custody() }

// CheckInvariants verifies escrow conservation: the ledger balances, and the
// held total equals the fees of live and settling requests.
func (r *Router) CheckInvariants() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.ledger.Check(); err != nil {
		return err
	}
	fees := new(big.Int)
	for _, req := range r.requests {
		fees.Add(fees, req.Fee)
	}
	for _, req := range r.settling {
		fees.Add(fees, req.Fee)
	}
	if total := r.ledger.TotalTokensHeld(); total.Cmp(fees) != 0 {
		return fmt.Errorf("router: held total %s != request fees %s", total, fees)
	}
	return nil
}

func (r *Router) reservedLocked(id common.Hash) bool {
	if _, ok := r.requests[id]; ok {
		return true
	}
	_, ok := r.settling[id]
	return ok
}

func gasPrice(msg Msg) *big.Int {
	if msg.GasPrice == nil {
		return new(big.Int)
	}
	return msg.GasPrice
}
