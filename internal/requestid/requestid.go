// Package requestid derives router request IDs.
//
// An ID is keccak256(abi.encode(consumer, nonce, provider, dataSpec,
// callbackSelector, gasPriceLimit, salt)), the same digest the router
// contract computes, so any party holding the seven components can
// reproduce it.
package requestid

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Params is the per-request part of the tuple; the salt is deployment-wide.
type Params struct {
	Consumer         common.Address
	Nonce            *big.Int
	Provider         common.Address
	DataSpec         string
	CallbackSelector [4]byte
	GasPriceLimit    *big.Int
}

var arguments = mustArguments("address", "uint256", "address", "string", "bytes4", "uint256", "bytes32")

func mustArguments(types ...string) abi.Arguments {
	args := make(abi.Arguments, len(types))
	for i, t := range types {
		typ, err := abi.NewType(t, "", nil)
		if err != nil {
			panic(fmt.Sprintf("requestid: abi type %s: %v", t, err))
		}
		args[i] = abi.Argument{Type: typ}
	}
	return args
}

// Encode returns the canonical byte encoding of the tuple.
func Encode(p Params, salt common.Hash) ([]byte, error) {
	if p.Nonce == nil || p.GasPriceLimit == nil {
		return nil, errors.New("requestid: nonce and gas price limit are required")
	}
	if p.Nonce.Sign() < 0 || p.GasPriceLimit.Sign() < 0 {
		return nil, errors.New("requestid: negative integer field")
	}
	return arguments.Pack(
		p.Consumer,
		p.Nonce,
		p.Provider,
		p.DataSpec,
		p.CallbackSelector,
		p.GasPriceLimit,
		[32]byte(salt),
	)
}

// Compute derives the request ID.
func Compute(p Params, salt common.Hash) (common.Hash, error) {
	enc, err := Encode(p, salt)
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(enc), nil
}

// Verify reports whether id is the ID of (p, salt).
func Verify(p Params, salt common.Hash, id common.Hash) bool {
	got, err := Compute(p, salt)
	return err == nil && got == id
}

// Selector returns the 4-byte function selector of a Solidity signature
// such as "fulfil(uint256,bytes32,bytes)".
func Selector(signature string) [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(signature))[:4])
	return sel
}
