package signature

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Fixed deterministic test key (not used anywhere outside tests)
const testPrivKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var testID = common.HexToHash("0x8f4c0a6e2b1d3c5e7f9a0b1c2d3e4f5061728394a5b6c7d8e9f00112233445566")

func TestHashMessage_Deterministic(t *testing.T) {
	msg := []byte("hello oracle")
	if string(HashMessage(msg)) != string(HashMessage(msg)) {
		t.Fatal("HashMessage is not deterministic")
	}
	if len(HashMessage(msg)) != 32 {
		t.Fatal("expected 32-byte hash")
	}
}

func TestRecover_ValidSignature(t *testing.T) {
	privKey, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	expected := crypto.PubkeyToAddress(privKey.PublicKey)

	msg := []byte(`{"action":"requeue","nonce":"abc"}`)
	sig, err := SignMessage(msg, privKey)
	if err != nil {
		t.Fatal(err)
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("V = %d, want 27 or 28", sig[64])
	}

	got, err := Recover(msg, sig)
	if err != nil {
		t.Fatalf("Recover error: %v", err)
	}
	if got != expected {
		t.Errorf("got %s, want %s", got.Hex(), expected.Hex())
	}

	// V in {0,1} is accepted too
	sig[64] -= 27
	got, err = Recover(msg, sig)
	if err != nil || got != expected {
		t.Errorf("raw V: got %s, %v", got.Hex(), err)
	}
}

func TestRecover_InvalidSigLength(t *testing.T) {
	if _, err := Recover([]byte("msg"), []byte("tooshort")); err == nil {
		t.Fatal("expected error for short signature")
	}
}

func TestDigest_Layout(t *testing.T) {
	d, err := Digest(testID, big.NewInt(1))
	if err != nil {
		t.Fatal(err)
	}
	want := crypto.Keccak256(testID.Bytes(), common.LeftPadBytes([]byte{1}, 32))
	if string(d) != string(want) {
		t.Fatalf("digest %x, want %x", d, want)
	}

	if _, err := Digest(testID, big.NewInt(-1)); err == nil {
		t.Fatal("negative data must be rejected")
	}
	if _, err := Digest(testID, nil); err == nil {
		t.Fatal("nil data must be rejected")
	}
	tooBig := new(big.Int).Lsh(big.NewInt(1), 256)
	if _, err := Digest(testID, tooBig); err == nil {
		t.Fatal("data wider than 256 bits must be rejected")
	}
}

func TestSigner_SignAndVerify(t *testing.T) {
	s, err := NewSignerFromHex("0x" + testPrivKeyHex)
	if err != nil {
		t.Fatal(err)
	}
	if s.Address() != common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266") {
		t.Fatalf("unexpected signer address %s", s.Address().Hex())
	}

	data := big.NewInt(6_512_345)
	sig, err := s.Sign(testID, data)
	if err != nil {
		t.Fatal(err)
	}
	if !Verify(testID, data, sig, s.Address()) {
		t.Fatal("signature should verify against the signer")
	}
	if Verify(testID, big.NewInt(6_512_346), sig, s.Address()) {
		t.Fatal("tampered data must not verify")
	}
	if Verify(common.HexToHash("0x01"), data, sig, s.Address()) {
		t.Fatal("signature must be bound to the request id")
	}
	if Verify(testID, data, sig, common.HexToAddress("0x01")) {
		t.Fatal("signature must not verify for another provider")
	}
}

func TestNewSignerFromHex_Invalid(t *testing.T) {
	if _, err := NewSignerFromHex("zz"); err == nil {
		t.Fatal("expected error for malformed key")
	}
}
