package config

import (
	"testing"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("PROVIDER_SIGNING_KEY", "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")
	t.Setenv("RPC_URL", "http://localhost:8545")
	t.Setenv("ROUTER_CONTRACT", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	t.Setenv("SOURCE_URL_TEMPLATE", "https://prices.example/{spec}")
	t.Setenv("CHAIN_ID", "31337")
}

func TestLoad_DefaultsAndEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("WORKERS", "8")
	t.Setenv("OPERATOR_ADDRESSES", " 0xAAA , ,0xBBB")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chain.Mode != ChainModeRPC {
		t.Errorf("mode = %q", cfg.Chain.Mode)
	}
	if cfg.Watcher.Workers != 8 {
		t.Errorf("workers = %d, want 8", cfg.Watcher.Workers)
	}
	if cfg.Watcher.Confirmations != 2 || cfg.Watcher.ResubmitAfterBlocks != 20 {
		t.Errorf("defaults not applied: %+v", cfg.Watcher)
	}
	if cfg.Chain.ChainID != 31337 || cfg.Server.Port != 8080 {
		t.Errorf("unexpected chain/server config: %+v %+v", cfg.Chain, cfg.Server)
	}
	ops := cfg.Server.OperatorList()
	if len(ops) != 2 || ops[0] != "0xAAA" || ops[1] != "0xBBB" {
		t.Errorf("operators = %v", ops)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	setRequired(t)
	t.Setenv("ROUTER_CONTRACT", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing ROUTER_CONTRACT")
	}
}

func TestLoad_LocalModeNeedsOnlyKey(t *testing.T) {
	t.Setenv("CHAIN_MODE", ChainModeLocal)
	t.Setenv("PROVIDER_SIGNING_KEY", "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Chain.Mode != ChainModeLocal {
		t.Errorf("mode = %q", cfg.Chain.Mode)
	}
}

func TestLoad_InvalidMode(t *testing.T) {
	setRequired(t)
	t.Setenv("CHAIN_MODE", "ipc")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestLoad_LockMustOutlastOneStep(t *testing.T) {
	setRequired(t)
	// await 60s + 5 fetches of 10s = 110s
	t.Setenv("LOCK_TTL_SEC", "110")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for a lock TTL that does not cover one step")
	}

	t.Setenv("LOCK_TTL_SEC", "111")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Watcher.AwaitTimeoutSec != 60 {
		t.Errorf("await timeout = %d, want default 60", cfg.Watcher.AwaitTimeoutSec)
	}

	t.Setenv("AWAIT_TIMEOUT_SEC", "90")
	if _, err := Load(); err == nil {
		t.Fatal("expected error once the await timeout grows past the lock")
	}
}
