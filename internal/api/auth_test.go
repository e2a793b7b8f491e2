package api

import (
	"crypto/ecdsa"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-oracle-router/internal/signature"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// authSetup creates a miniredis instance and a Gin engine with the operator
// middleware guarding POST /test for the given operators.
func authSetup(t *testing.T, operators ...common.Address) (*miniredis.Miniredis, *gin.Engine) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := gin.New()
	r.POST("/test", OperatorAuth(rdb, operators, "test"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"operator": c.GetString(ctxOperator)})
	})
	return mr, r
}

func newOperator(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

// signedHeaders sets the three auth headers on req for sr signed by key.
func signedHeaders(t *testing.T, req *http.Request, key *ecdsa.PrivateKey, sr SignedRequest) {
	t.Helper()
	msgBytes, err := json.Marshal(sr)
	if err != nil {
		t.Fatal(err)
	}
	sig, err := signature.SignMessage(msgBytes, key)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("X-Wallet-Address", crypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set("X-Signed-Message", base64.StdEncoding.EncodeToString(msgBytes))
	req.Header.Set("X-Wallet-Signature", "0x"+hex.EncodeToString(sig))
}

func buildRequest(t *testing.T, key *ecdsa.PrivateKey, action string, expiresOffset time.Duration, nonce string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/test", nil)
	signedHeaders(t, req, key, SignedRequest{
		Action:     action,
		ExpiresAt:  time.Now().Add(expiresOffset).Unix(),
		Nonce:      nonce,
		ResourceID: "0x01",
	})
	return req
}

func serve(r *gin.Engine, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestOperatorAuth_ValidRequest(t *testing.T) {
	key, addr := newOperator(t)
	_, r := authSetup(t, addr)

	w := serve(r, buildRequest(t, key, "test", 2*time.Minute, "nonce-valid-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["operator"] != addr.Hex() {
		t.Errorf("expected operator %s, got %s", addr.Hex(), resp["operator"])
	}
}

func TestOperatorAuth_MissingHeaders(t *testing.T) {
	_, r := authSetup(t)
	w := serve(r, httptest.NewRequest(http.MethodPost, "/test", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestOperatorAuth_Expired(t *testing.T) {
	key, addr := newOperator(t)
	_, r := authSetup(t, addr)
	w := serve(r, buildRequest(t, key, "test", -time.Second, "nonce-expired"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestOperatorAuth_TooFarInFuture(t *testing.T) {
	key, addr := newOperator(t)
	_, r := authSetup(t, addr)
	w := serve(r, buildRequest(t, key, "test", 10*time.Minute, "nonce-future"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestOperatorAuth_WrongAction(t *testing.T) {
	key, addr := newOperator(t)
	_, r := authSetup(t, addr)
	w := serve(r, buildRequest(t, key, "other", 2*time.Minute, "nonce-action"))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestOperatorAuth_NotAnOperator(t *testing.T) {
	_, addr := newOperator(t)
	stranger, _ := newOperator(t)
	_, r := authSetup(t, addr)
	w := serve(r, buildRequest(t, stranger, "test", 2*time.Minute, "nonce-stranger"))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestOperatorAuth_AddressMismatch(t *testing.T) {
	key, addr := newOperator(t)
	_, other := newOperator(t)
	_, r := authSetup(t, addr, other)

	req := buildRequest(t, key, "test", 2*time.Minute, "nonce-mismatch")
	req.Header.Set("X-Wallet-Address", other.Hex())
	w := serve(r, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestOperatorAuth_NonceReplay(t *testing.T) {
	key, addr := newOperator(t)
	_, r := authSetup(t, addr)

	if w := serve(r, buildRequest(t, key, "test", 2*time.Minute, "nonce-replay")); w.Code != http.StatusOK {
		t.Fatalf("first request: expected 200, got %d", w.Code)
	}
	if w := serve(r, buildRequest(t, key, "test", 2*time.Minute, "nonce-replay")); w.Code != http.StatusUnauthorized {
		t.Fatalf("replay: expected 401, got %d", w.Code)
	}
}

func TestOperatorAuth_NonceExpires(t *testing.T) {
	key, addr := newOperator(t)
	mr, r := authSetup(t, addr)

	if w := serve(r, buildRequest(t, key, "test", 2*time.Minute, "nonce-ttl")); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !mr.Exists(nonceKeyPrefix + "nonce-ttl") {
		t.Fatal("nonce key not stored")
	}
	mr.FastForward(3 * time.Minute)
	if mr.Exists(nonceKeyPrefix + "nonce-ttl") {
		t.Fatal("nonce key outlived its expiry")
	}
}

func TestOperatorAuth_BadSignatureHex(t *testing.T) {
	key, addr := newOperator(t)
	_, r := authSetup(t, addr)
	req := buildRequest(t, key, "test", 2*time.Minute, "nonce-badhex")
	req.Header.Set("X-Wallet-Signature", "0xzz")
	if w := serve(r, req); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}
