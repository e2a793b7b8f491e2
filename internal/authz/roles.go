package authz

import "github.com/ethereum/go-ethereum/common"

type Role string

const RoleAdmin Role = "ADMIN"

// Roles is a flat capability table: role → set of holders.
type Roles struct {
	holders map[Role]map[common.Address]bool
}

func NewRoles() *Roles {
	return &Roles{holders: make(map[Role]map[common.Address]bool)}
}

func (r *Roles) Grant(role Role, addr common.Address) {
	set, ok := r.holders[role]
	if !ok {
		set = make(map[common.Address]bool)
		r.holders[role] = set
	}
	set[addr] = true
}

func (r *Roles) Revoke(role Role, addr common.Address) {
	delete(r.holders[role], addr)
}

// HasRole is the capability check at the top of gated operations.
func (r *Roles) HasRole(role Role, addr common.Address) bool {
	return r.holders[role][addr]
}
