// cmd/jobctl inspects and repairs the oracle node's job store directly in
// Redis.
//
// Usage:
//
//	go run ./cmd/jobctl/ --redis localhost:6379 get      0x<request id>
//	go run ./cmd/jobctl/ --redis localhost:6379 history  0x<request id>
//	go run ./cmd/jobctl/ --redis localhost:6379 list     [--status FAILED]
//	go run ./cmd/jobctl/ --redis localhost:6379 dlq
//	go run ./cmd/jobctl/ --redis localhost:6379 requeue  0x<request id>
//
// requeue moves a FAILED job back to PENDING with its attempts reset; the
// node picks it up on its next dequeue.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/0gfoundation/0g-oracle-router/internal/jobstore"
)

var errUsage = errors.New("usage: jobctl [--redis addr] [--password pw] get|history|list|dlq|requeue ...")

func main() {
	addr := flag.String("redis", envOr("REDIS_ADDR", "localhost:6379"), "Redis address")
	password := flag.String("password", os.Getenv("REDIS_PASSWORD"), "Redis password")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: *addr, Password: *password})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		fatalf("redis ping %s: %v", *addr, err)
	}

	if err := run(ctx, jobstore.New(rdb), flag.Args(), os.Stdout); err != nil {
		fatalf("%v", err)
	}
}

func run(ctx context.Context, store *jobstore.Store, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "get":
		id, err := oneID(rest)
		if err != nil {
			return err
		}
		j, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		if j == nil {
			return fmt.Errorf("job %s not found", id.Hex())
		}
		printJob(out, j)
		return nil

	case "history":
		id, err := oneID(rest)
		if err != nil {
			return err
		}
		h, err := store.History(ctx, id)
		if err != nil {
			return err
		}
		if len(h) == 0 {
			return fmt.Errorf("job %s not found", id.Hex())
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "AT\tFROM\tTO\tTX\tREASON")
		for _, e := range h {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", stamp(e.At), orDash(string(e.From)), e.To, orDash(e.TxRef), e.Reason)
		}
		return tw.Flush()

	case "list":
		fs := flag.NewFlagSet("list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		status := fs.String("status", "", "only jobs in this status")
		if err := fs.Parse(rest); err != nil {
			return fmt.Errorf("list: %w", err)
		}
		if *status == "" {
			counts, err := store.CountByStatus(ctx)
			if err != nil {
				return err
			}
			for _, st := range jobstore.AllStatuses {
				fmt.Fprintf(out, "%-11s %d\n", st, counts[st])
			}
			return nil
		}
		st := jobstore.Status(strings.ToUpper(*status))
		if !st.Valid() {
			return fmt.Errorf("unknown status %q", *status)
		}
		jobs, err := store.ListByStatus(ctx, st)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "REQUEST\tHEIGHT\tATTEMPTS\tSPEC\tREASON")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", j.RequestID.Hex(), j.CreatedHeight, j.Attempts, j.DataSpec, j.StatusReason)
		}
		return tw.Flush()

	case "dlq":
		entries, err := store.ListDLQ(ctx)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "AT\tREQUEST\tREASON")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", stamp(e.At), e.RequestID, e.Reason)
		}
		return tw.Flush()

	case "requeue":
		id, err := oneID(rest)
		if err != nil {
			return err
		}
		ok, err := store.RequeueDLQ(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("job %s is not FAILED", id.Hex())
		}
		fmt.Fprintf(out, "requeued %s\n", id.Hex())
		return nil
	}
	return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
}

func oneID(args []string) (common.Hash, error) {
	if len(args) != 1 {
		return common.Hash{}, errUsage
	}
	b, err := hex.DecodeString(strings.TrimPrefix(args[0], "0x"))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("request id %q must be 32 hex bytes", args[0])
	}
	return common.BytesToHash(b), nil
}

func printJob(out io.Writer, j *jobstore.Job) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	row := func(k string, v any) { fmt.Fprintf(tw, "%s\t%v\n", k, v) }
	row("request", j.RequestID.Hex())
	row("status", j.Status)
	row("reason", orDash(j.StatusReason))
	row("consumer", j.Consumer.Hex())
	row("provider", j.Provider.Hex())
	row("data spec", j.DataSpec)
	row("fee", jobstore.BigString(j.Fee))
	row("gas price limit", jobstore.BigString(j.GasPriceLimit))
	row("expires", stamp(int64(j.ExpiresAt)))
	row("created height", j.CreatedHeight)
	row("attempts", j.Attempts)
	if j.FulfillTxRef != (common.Hash{}) {
		row("fulfill tx", j.FulfillTxRef.Hex())
		row("submitted height", j.SubmittedHeight)
		row("gas price", jobstore.BigString(j.GasPrice))
		row("data", jobstore.BigString(j.RequestedData))
	}
	if j.CancelTxRef != (common.Hash{}) {
		row("cancel tx", j.CancelTxRef.Hex())
	}
	if j.CompletionHeight != 0 {
		row("completed height", j.CompletionHeight)
	}
	row("updated", stamp(j.UpdatedAt))
	tw.Flush() //nolint:errcheck
}

func stamp(unix int64) string {
	return time.Unix(unix, 0).UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
