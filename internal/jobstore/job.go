package jobstore

import (
	"encoding/hex"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0gfoundation/0g-oracle-router/internal/oracle"
)

// Status is the off-chain lifecycle state of a request.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusReceived   Status = "RECEIVED"
	StatusFulfilling Status = "FULFILLING"
	StatusFulfilled  Status = "FULFILLED"
	StatusCancelled  Status = "CANCELLED"
	StatusFailed     Status = "FAILED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusReceived, StatusFulfilling,
	StatusFulfilled, StatusCancelled, StatusFailed,
}

// Final reports whether the chain has settled the request. FAILED is not
// final: a later terminal event still overrides it.
func (s Status) Final() bool {
	return s == StatusFulfilled || s == StatusCancelled
}

func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// NonFinal are the statuses a terminal chain event may move a job out of.
var NonFinal = []Status{StatusPending, StatusReceived, StatusFulfilling, StatusFailed}

// Hash field names. Callers of Transition use these for the fields map.
const (
	FieldRequestID        = "request_id"
	FieldStatus           = "status"
	FieldConsumer         = "consumer"
	FieldProvider         = "provider"
	FieldFee              = "fee"
	FieldDataSpec         = "data_spec"
	FieldNonce            = "nonce"
	FieldSelector         = "callback_selector"
	FieldGasPriceLimit    = "gas_price_limit"
	FieldExpiresAt        = "expires_at"
	FieldCreatedHeight    = "created_height"
	FieldAttempts         = "attempts"
	FieldFulfillTx        = "fulfill_tx"
	FieldFulfillRaw       = "fulfill_raw"
	FieldCancelTx         = "cancel_tx"
	FieldSubmittedHeight  = "submitted_height"
	FieldCompletionHeight = "completion_height"
	FieldGasPrice         = "gas_price"
	FieldRequestedData    = "requested_data"
	FieldStatusReason     = "status_reason"
	FieldUpdatedAt        = "updated_at"
)

// Job mirrors one router request and tracks the provider's work on it.
type Job struct {
	RequestID        common.Hash
	Status           Status
	Consumer         common.Address
	Provider         common.Address
	Fee              *big.Int
	DataSpec         string
	Nonce            *big.Int
	CallbackSelector [4]byte
	GasPriceLimit    *big.Int
	ExpiresAt        uint64
	CreatedHeight    uint64

	Attempts         int
	FulfillTxRef     common.Hash
	FulfillRaw       []byte
	CancelTxRef      common.Hash
	SubmittedHeight  uint64
	CompletionHeight uint64
	GasPrice         *big.Int
	RequestedData    *big.Int
	StatusReason     string
	UpdatedAt        int64
}

// FromEvent builds a PENDING job from a DataRequested event.
func FromEvent(ev oracle.Event) Job {
	dr := ev.DataRequested
	return Job{
		RequestID:        dr.RequestID,
		Status:           StatusPending,
		Consumer:         dr.Consumer,
		Provider:         dr.Provider,
		Fee:              dr.Fee,
		DataSpec:         dr.DataSpec,
		Nonce:            dr.Nonce,
		CallbackSelector: dr.CallbackSelector,
		GasPriceLimit:    dr.GasPriceLimit,
		ExpiresAt:        dr.ExpiresAt,
		CreatedHeight:    ev.Height,
	}
}

// fields flattens the job into HSET arguments.
func (j Job) fields() []any {
	return []any{
		FieldRequestID, j.RequestID.Hex(),
		FieldStatus, string(j.Status),
		FieldConsumer, j.Consumer.Hex(),
		FieldProvider, j.Provider.Hex(),
		FieldFee, BigString(j.Fee),
		FieldDataSpec, j.DataSpec,
		FieldNonce, BigString(j.Nonce),
		FieldSelector, hex.EncodeToString(j.CallbackSelector[:]),
		FieldGasPriceLimit, BigString(j.GasPriceLimit),
		FieldExpiresAt, strconv.FormatUint(j.ExpiresAt, 10),
		FieldCreatedHeight, strconv.FormatUint(j.CreatedHeight, 10),
		FieldAttempts, strconv.Itoa(j.Attempts),
		FieldUpdatedAt, strconv.FormatInt(j.UpdatedAt, 10),
	}
}

func jobFromMap(m map[string]string) *Job {
	j := &Job{
		RequestID:     common.HexToHash(m[FieldRequestID]),
		Status:        Status(m[FieldStatus]),
		Consumer:      common.HexToAddress(m[FieldConsumer]),
		Provider:      common.HexToAddress(m[FieldProvider]),
		Fee:           parseBig(m[FieldFee]),
		DataSpec:      m[FieldDataSpec],
		Nonce:         parseBig(m[FieldNonce]),
		GasPriceLimit: parseBig(m[FieldGasPriceLimit]),
		GasPrice:      parseBig(m[FieldGasPrice]),
		RequestedData: parseBig(m[FieldRequestedData]),
		StatusReason:  m[FieldStatusReason],
	}
	if sel, err := hex.DecodeString(m[FieldSelector]); err == nil && len(sel) == 4 {
		copy(j.CallbackSelector[:], sel)
	}
	j.ExpiresAt, _ = strconv.ParseUint(m[FieldExpiresAt], 10, 64)
	j.CreatedHeight, _ = strconv.ParseUint(m[FieldCreatedHeight], 10, 64)
	j.SubmittedHeight, _ = strconv.ParseUint(m[FieldSubmittedHeight], 10, 64)
	j.CompletionHeight, _ = strconv.ParseUint(m[FieldCompletionHeight], 10, 64)
	j.Attempts, _ = strconv.Atoi(m[FieldAttempts])
	j.UpdatedAt, _ = strconv.ParseInt(m[FieldUpdatedAt], 10, 64)
	if v := m[FieldFulfillTx]; v != "" {
		j.FulfillTxRef = common.HexToHash(v)
	}
	if v := m[FieldCancelTx]; v != "" {
		j.CancelTxRef = common.HexToHash(v)
	}
	if v := m[FieldFulfillRaw]; v != "" {
		j.FulfillRaw, _ = hex.DecodeString(v)
	}
	return j
}

// BigString renders v in base 10, or "" for nil.
func BigString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func parseBig(s string) *big.Int {
	if s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return v
}

// Fields is the set of hash fields written alongside a status change.
type Fields map[string]string

func (f Fields) With(key, value string) Fields {
	f[key] = value
	return f
}

// HistoryEntry is one line of a job's audit trail.
type HistoryEntry struct {
	From   Status `json:"from,omitempty"`
	To     Status `json:"to"`
	Reason string `json:"reason,omitempty"`
	TxRef  string `json:"tx,omitempty"`
	At     int64  `json:"at"`
}

// DLQEntry records a job that needs operator attention.
type DLQEntry struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
	At        int64  `json:"at"`
}

func nowUnix() int64 { return time.Now().Unix() }
