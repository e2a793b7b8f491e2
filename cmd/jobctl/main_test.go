package main

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-oracle-router/internal/jobstore"
)

func newTestStore(t *testing.T) *jobstore.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	return jobstore.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func seed(t *testing.T, store *jobstore.Store, id common.Hash) {
	t.Helper()
	if _, err := store.Insert(context.Background(), jobstore.Job{
		RequestID:     id,
		Consumer:      common.HexToAddress("0xc0"),
		Provider:      common.HexToAddress("0xa0"),
		Fee:           big.NewInt(10),
		DataSpec:      "BTC/USD",
		Nonce:         big.NewInt(1),
		GasPriceLimit: big.NewInt(5),
		CreatedHeight: 3,
	}); err != nil {
		t.Fatal(err)
	}
}

func runCmd(t *testing.T, store *jobstore.Store, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(context.Background(), store, args, &out)
	return out.String(), err
}

func TestGetAndHistory(t *testing.T) {
	store := newTestStore(t)
	id := common.HexToHash("0x0a")
	seed(t, store, id)

	out, err := runCmd(t, store, "get", id.Hex())
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{id.Hex(), "PENDING", "BTC/USD"} {
		if !strings.Contains(out, want) {
			t.Errorf("get output missing %q:\n%s", want, out)
		}
	}

	out, err = runCmd(t, store, "history", id.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "observed DataRequested") {
		t.Errorf("history output missing insert entry:\n%s", out)
	}

	if _, err := runCmd(t, store, "get", common.HexToHash("0x0b").Hex()); err == nil {
		t.Error("expected not found")
	}
	if _, err := runCmd(t, store, "get", "0x0a"); err == nil {
		t.Error("expected short id to be rejected")
	}
}

func TestListAndRequeue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := common.HexToHash("0x0c")
	seed(t, store, id)

	if _, err := runCmd(t, store, "requeue", id.Hex()); err == nil || !strings.Contains(err.Error(), "not FAILED") {
		t.Fatalf("expected not FAILED error, got %v", err)
	}

	if ok, err := store.Transition(ctx, id, nil, jobstore.StatusFailed, "fetch failed", nil); err != nil || !ok {
		t.Fatalf("transition: ok=%v err=%v", ok, err)
	}
	if err := store.PushDLQ(ctx, id, "fetch failed"); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, store, "list")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "FAILED      1") {
		t.Errorf("counts missing FAILED 1:\n%s", out)
	}

	out, err = runCmd(t, store, "list", "--status", "failed")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, id.Hex()) || !strings.Contains(out, "fetch failed") {
		t.Errorf("failed listing missing job:\n%s", out)
	}

	out, err = runCmd(t, store, "dlq")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, id.Hex()) {
		t.Errorf("dlq missing job:\n%s", out)
	}

	out, err = runCmd(t, store, "requeue", id.Hex())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "requeued") {
		t.Errorf("unexpected requeue output %q", out)
	}
	j, err := store.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if j.Status != jobstore.StatusPending {
		t.Errorf("status after requeue: %s", j.Status)
	}
	if out, _ := runCmd(t, store, "dlq"); strings.Contains(out, id.Hex()) {
		t.Errorf("dlq still lists requeued job:\n%s", out)
	}
}

func TestUsageErrors(t *testing.T) {
	store := newTestStore(t)
	if _, err := runCmd(t, store); !errors.Is(err, errUsage) {
		t.Errorf("no args: got %v", err)
	}
	if _, err := runCmd(t, store, "explode"); !errors.Is(err, errUsage) {
		t.Errorf("unknown command: got %v", err)
	}
	if _, err := runCmd(t, store, "list", "--status", "LOST"); err == nil {
		t.Error("expected unknown status error")
	}
	if _, err := runCmd(t, store, "get"); !errors.Is(err, errUsage) {
		t.Errorf("missing id: got %v", err)
	}
}
