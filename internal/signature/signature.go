// Package signature produces and checks provider signatures over fulfilment
// data. A consumer validates the signature against the provider key it
// expects before trusting requestedData.
package signature

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
)

// HashMessage constructs the EIP-191 prefixed hash:
// keccak256("\x19Ethereum Signed Message:\n" + len(msg) + msg)
func HashMessage(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// SignMessage signs msg under EIP-191 and returns R || S || V with V in {27,28}.
func SignMessage(msg []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(HashMessage(msg), key)
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// Recover extracts the signer address from an EIP-191 signature.
// sig must be 65 bytes (R || S || V), with V in {0,1} or {27,28}.
func Recover(msg []byte, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	hash := HashMessage(msg)

	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}

	pub, err := crypto.SigToPub(hash, sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Digest is keccak256(requestId || uint256(requestedData)), the message a
// provider signs for a fulfilment.
func Digest(id common.Hash, requestedData *big.Int) ([]byte, error) {
	if requestedData == nil || requestedData.Sign() < 0 || requestedData.BitLen() > 256 {
		return nil, fmt.Errorf("requested data %v is not a uint256", requestedData)
	}
	return crypto.Keccak256(id.Bytes(), math.U256Bytes(new(big.Int).Set(requestedData))), nil
}

// Signer signs fulfilments with a provider key.
type Signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func NewSigner(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// NewSignerFromHex loads a hex private key, with or without 0x.
func NewSignerFromHex(hexKey string) (*Signer, error) {
	if len(hexKey) >= 2 && hexKey[:2] == "0x" {
		hexKey = hexKey[2:]
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return NewSigner(key), nil
}

func (s *Signer) Address() common.Address { return s.addr }

func (s *Signer) Key() *ecdsa.PrivateKey { return s.key }

// Sign returns the provider signature for (id, requestedData).
func (s *Signer) Sign(id common.Hash, requestedData *big.Int) ([]byte, error) {
	digest, err := Digest(id, requestedData)
	if err != nil {
		return nil, err
	}
	return SignMessage(digest, s.key)
}

// RecoverFulfilment returns the address that signed (id, requestedData).
func RecoverFulfilment(id common.Hash, requestedData *big.Int, sig []byte) (common.Address, error) {
	digest, err := Digest(id, requestedData)
	if err != nil {
		return common.Address{}, err
	}
	return Recover(digest, sig)
}

// Verify reports whether sig over (id, requestedData) was made by provider.
func Verify(id common.Hash, requestedData *big.Int, sig []byte, provider common.Address) bool {
	got, err := RecoverFulfilment(id, requestedData, sig)
	return err == nil && got == provider
}
