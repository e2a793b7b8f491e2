// Package oracle defines the request and event types that pass between the
// router, its chain backends and the provider node.
package oracle

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// DataRequest is one in-flight oracle request as held in the router's
// request table. It is immutable once set; settlement removes it.
type DataRequest struct {
	RequestID        common.Hash
	Consumer         common.Address
	Provider         common.Address
	CallbackSelector [4]byte
	Fee              *big.Int
	GasPriceLimit    *big.Int
	ExpiresAt        uint64
	IsSet            bool
}

// EventKind names a router event. The string values are the event names of
// the router ABI.
type EventKind string

const (
	KindDataRequested     EventKind = "DataRequested"
	KindPermissionGranted EventKind = "ProviderPermissionGranted"
	KindPermissionRevoked EventKind = "ProviderPermissionRevoked"
	KindRequestFulfilled  EventKind = "RequestFulfilled"
	KindRequestCancelled  EventKind = "RequestCancelled"
)

// DataRequested carries the full creation parameter set plus the ID.
type DataRequested struct {
	Consumer         common.Address
	Provider         common.Address
	Fee              *big.Int
	DataSpec         string
	RequestID        common.Hash
	GasPriceLimit    *big.Int
	ExpiresAt        uint64
	CallbackSelector [4]byte
	Nonce            *big.Int
}

// PermissionChanged is the payload of both permission events.
type PermissionChanged struct {
	Consumer common.Address
	Provider common.Address
}

type RequestFulfilled struct {
	Consumer      common.Address
	Provider      common.Address
	RequestID     common.Hash
	RequestedData *big.Int
	Fee           *big.Int
	GasUsed       uint64
}

type RequestCancelled struct {
	Consumer  common.Address
	Provider  common.Address
	RequestID common.Hash
	Refund    *big.Int
}

// Event is a router event together with its position on chain. Exactly one
// payload pointer is set, matching Kind.
type Event struct {
	Kind   EventKind
	Height uint64
	TxRef  common.Hash
	Index  uint

	DataRequested     *DataRequested
	PermissionChanged *PermissionChanged
	RequestFulfilled  *RequestFulfilled
	RequestCancelled  *RequestCancelled
}

// RequestID returns the request the event refers to, or the zero hash for
// permission events.
func (e Event) RequestID() common.Hash {
	switch {
	case e.DataRequested != nil:
		return e.DataRequested.RequestID
	case e.RequestFulfilled != nil:
		return e.RequestFulfilled.RequestID
	case e.RequestCancelled != nil:
		return e.RequestCancelled.RequestID
	}
	return common.Hash{}
}

// FulfillmentCall is the provider-side fulfilRequest invocation.
type FulfillmentCall struct {
	RequestID     common.Hash
	RequestedData *big.Int
	Signature     []byte
	GasPriceLimit *big.Int
	// Replaces is the encoded transaction this call supersedes, if any.
	// Backends with account nonces reuse its nonce and outbid its price.
	Replaces []byte
}

// Submission is a signed fulfilment transaction whose reference is known
// before it is broadcast. Raw holds the encoded transaction when the backend
// has one, so a recovered submission can be re-broadcast unchanged.
type Submission struct {
	TxRef    common.Hash
	GasPrice *big.Int
	Call     FulfillmentCall
	Raw      []byte
}

// Receipt is the mined outcome of a submission.
type Receipt struct {
	TxRef   common.Hash
	Height  uint64
	Success bool
	GasUsed uint64
	Reason  string
}
