package authz

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

var (
	consumer = common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	provider = common.HexToAddress("0x1111111111111111111111111111111111111111")
)

func TestRegistry_GrantRevokeIdempotent(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.IsAuthorized(consumer, provider))

	assert.True(t, r.Grant(consumer, provider))
	assert.False(t, r.Grant(consumer, provider), "second grant is a no-op")
	assert.True(t, r.IsAuthorized(consumer, provider))
	assert.False(t, r.IsAuthorized(provider, consumer), "authorisation is directional")

	assert.True(t, r.Revoke(consumer, provider))
	assert.False(t, r.Revoke(consumer, provider))
	assert.False(t, r.IsAuthorized(consumer, provider))
}

func TestRoles(t *testing.T) {
	r := NewRoles()
	assert.False(t, r.HasRole(RoleAdmin, consumer))
	r.Grant(RoleAdmin, consumer)
	assert.True(t, r.HasRole(RoleAdmin, consumer))
	assert.False(t, r.HasRole(Role("OTHER"), consumer))
	r.Revoke(RoleAdmin, consumer)
	assert.False(t, r.HasRole(RoleAdmin, consumer))
	r.Revoke(Role("never-granted"), consumer)
}
