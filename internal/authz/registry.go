// Package authz holds the consumer→provider permission table and the
// role table consulted by admin-gated router operations.
package authz

import (
	"github.com/ethereum/go-ethereum/common"
)

type pair struct {
	consumer common.Address
	provider common.Address
}

// Registry records which providers each consumer has authorised. Callers
// serialise access.
type Registry struct {
	granted map[pair]bool
}

func NewRegistry() *Registry {
	return &Registry{granted: make(map[pair]bool)}
}

// Grant authorises provider for consumer and reports whether state changed.
func (r *Registry) Grant(consumer, provider common.Address) bool {
	k := pair{consumer, provider}
	if r.granted[k] {
		return false
	}
	r.granted[k] = true
	return true
}

// Revoke removes the authorisation and reports whether state changed.
func (r *Registry) Revoke(consumer, provider common.Address) bool {
	k := pair{consumer, provider}
	if !r.granted[k] {
		return false
	}
	delete(r.granted, k)
	return true
}

func (r *Registry) IsAuthorized(consumer, provider common.Address) bool {
	return r.granted[pair{consumer, provider}]
}
