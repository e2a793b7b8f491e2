// Package jobstore is the provider node's durable mirror of router requests,
// kept in Redis: one hash per job, a status index, an append-only history
// list, the work queue, per-job locks, scan cursors and a dead-letter list.
package jobstore

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
)

const (
	jobKeyPrefix    = "oracle:job:"
	statusKeyPrefix = "oracle:jobs:status:"
	cursorKeyPrefix = "oracle:cursor:"
	QueueKey        = "oracle:jobs:queue"
	DLQKey          = "oracle:jobs:dlq"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrLockLost is returned by TransitionHeld when the caller no longer
	// holds the job's lock.
	ErrLockLost = errors.New("job lock not held")
)

func jobKey(id common.Hash) string     { return jobKeyPrefix + id.Hex() }
func historyKey(id common.Hash) string { return jobKeyPrefix + id.Hex() + ":history" }
func lockKey(id common.Hash) string    { return jobKeyPrefix + id.Hex() + ":lock" }
func statusKey(s Status) string        { return statusKeyPrefix + string(s) }
func cursorKey(kind string) string     { return cursorKeyPrefix + kind }

// insertScript creates the job only if absent, indexes and enqueues it.
// KEYS: job, pending set, history, queue. ARGV: id, history entry, fields...
var insertScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('SADD', KEYS[2], ARGV[1])
redis.call('RPUSH', KEYS[3], ARGV[2])
redis.call('RPUSH', KEYS[4], ARGV[1])
return 1
`)

// transitionScript moves a job between statuses if its current status is
// one of the allowed ones and, when an owner is given, only while that owner
// holds the job's lock. Returns -1 when the job is missing, -2 when the lock
// is held by someone else or nobody, 0 when the current status is not
// allowed.
// KEYS: job, history, lock. ARGV: id, to, ",A,B," (empty = any), status key
// prefix, history entry minus "from", lock owner (empty = unchecked),
// fields...
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return -1
end
if ARGV[6] ~= '' and redis.call('GET', KEYS[3]) ~= ARGV[6] then
  return -2
end
if ARGV[3] ~= '' and not string.find(ARGV[3], ',' .. cur .. ',', 1, true) then
  return 0
end
if #ARGV >= 7 then
  redis.call('HSET', KEYS[1], 'status', ARGV[2], unpack(ARGV, 7))
else
  redis.call('HSET', KEYS[1], 'status', ARGV[2])
end
if cur ~= ARGV[2] then
  redis.call('SREM', ARGV[4] .. cur, ARGV[1])
  redis.call('SADD', ARGV[4] .. ARGV[2], ARGV[1])
end
redis.call('RPUSH', KEYS[2], '{"from":"' .. cur .. '",' .. string.sub(ARGV[5], 2))
return 1
`)

// cursorScript only moves a cursor forward.
var cursorScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '-1')
if tonumber(ARGV[1]) > cur then
  redis.call('SET', KEYS[1], ARGV[1])
  return 1
end
return 0
`)

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Store is the Redis-backed job store. Safe for concurrent use.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Insert records a new PENDING job and enqueues it. A job that already
// exists is left untouched and created is false.
func (s *Store) Insert(ctx context.Context, j Job) (bool, error) {
	j.Status = StatusPending
	j.UpdatedAt = nowUnix()
	entry, err := json.Marshal(HistoryEntry{To: StatusPending, Reason: "observed DataRequested", At: j.UpdatedAt})
	if err != nil {
		return false, err
	}
	args := append([]any{j.RequestID.Hex(), string(entry)}, j.fields()...)
	keys := []string{jobKey(j.RequestID), statusKey(StatusPending), historyKey(j.RequestID), QueueKey}
	n, err := insertScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("insert job %s: %w", j.RequestID.Hex(), err)
	}
	return n == 1, nil
}

// Transition sets the job's status to `to` if it is currently one of `from`
// (any status when from is empty), writing fields and a history entry in the
// same step. ok is false when the current status is not allowed. A missing
// job is ErrNotFound.
func (s *Store) Transition(ctx context.Context, id common.Hash, from []Status, to Status, reason string, fields Fields) (bool, error) {
	return s.transition(ctx, id, "", from, to, reason, fields)
}

// TransitionHeld is Transition guarded by the job's lock: it fails with
// ErrLockLost unless owner holds the lock at the moment of the write.
func (s *Store) TransitionHeld(ctx context.Context, id common.Hash, owner string, from []Status, to Status, reason string, fields Fields) (bool, error) {
	if owner == "" {
		return false, fmt.Errorf("transition job %s: %w", id.Hex(), ErrLockLost)
	}
	return s.transition(ctx, id, owner, from, to, reason, fields)
}

func (s *Store) transition(ctx context.Context, id common.Hash, owner string, from []Status, to Status, reason string, fields Fields) (bool, error) {
	now := nowUnix()
	allowed := ""
	if len(from) > 0 {
		parts := make([]string, len(from))
		for i, st := range from {
			parts[i] = string(st)
		}
		allowed = "," + strings.Join(parts, ",") + ","
	}
	entry, err := json.Marshal(HistoryEntry{To: to, Reason: reason, TxRef: txRefOf(to, fields), At: now})
	if err != nil {
		return false, err
	}
	args := []any{id.Hex(), string(to), allowed, statusKeyPrefix, string(entry), owner}
	args = append(args, FieldUpdatedAt, strconv.FormatInt(now, 10), FieldStatusReason, reason)
	for k, v := range fields {
		args = append(args, k, v)
	}
	keys := []string{jobKey(id), historyKey(id), lockKey(id)}
	n, err := transitionScript.Run(ctx, s.rdb, keys, args...).Int()
	if err != nil {
		return false, fmt.Errorf("transition job %s to %s: %w", id.Hex(), to, err)
	}
	switch n {
	case -1:
		return false, ErrNotFound
	case -2:
		return false, fmt.Errorf("transition job %s to %s: %w", id.Hex(), to, ErrLockLost)
	case 0:
		return false, nil
	}
	return true, nil
}

func txRefOf(to Status, fields Fields) string {
	if to == StatusCancelled {
		return fields[FieldCancelTx]
	}
	return fields[FieldFulfillTx]
}

// Get returns the job, or nil if none exists.
func (s *Store) Get(ctx context.Context, id common.Hash) (*Job, error) {
	vals, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return jobFromMap(vals), nil
}

// ListByStatus returns jobs in a status ordered by creation height, then ID.
func (s *Store) ListByStatus(ctx context.Context, st Status) ([]Job, error) {
	ids, err := s.rdb.SMembers(ctx, statusKey(st)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", st, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, jobKeyPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load %s jobs: %w", st, err)
	}
	jobs := make([]Job, 0, len(ids))
	for _, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		jobs = append(jobs, *jobFromMap(vals))
	}
	sort.Slice(jobs, func(a, b int) bool {
		if jobs[a].CreatedHeight != jobs[b].CreatedHeight {
			return jobs[a].CreatedHeight < jobs[b].CreatedHeight
		}
		return jobs[a].RequestID.Hex() < jobs[b].RequestID.Hex()
	})
	return jobs, nil
}

// CountByStatus returns the size of every status index.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	pipe := s.rdb.Pipeline()
	cmds := make(map[Status]*redis.IntCmd, len(AllStatuses))
	for _, st := range AllStatuses {
		cmds[st] = pipe.SCard(ctx, statusKey(st))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make(map[Status]int64, len(cmds))
	for st, cmd := range cmds {
		out[st] = cmd.Val()
	}
	return out, nil
}

// History returns the job's transitions, oldest first.
func (s *Store) History(ctx context.Context, id common.Hash) ([]HistoryEntry, error) {
	raws, err := s.rdb.LRange(ctx, historyKey(id), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(raws))
	for _, raw := range raws {
		var e HistoryEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode history of %s: %w", id.Hex(), err)
		}
		out = append(out, e)
	}
	return out, nil
}

// ── Queue ─────────────────────────────────────────────────────────────────

func (s *Store) Enqueue(ctx context.Context, id common.Hash) error {
	return s.rdb.RPush(ctx, QueueKey, id.Hex()).Err()
}

// Dequeue blocks up to timeout for the next queued ID. ok is false on
// timeout.
func (s *Store) Dequeue(ctx context.Context, timeout time.Duration) (common.Hash, bool, error) {
	res, err := s.rdb.BLPop(ctx, timeout, QueueKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return common.Hash{}, false, nil
		}
		return common.Hash{}, false, err
	}
	// res[0] = key, res[1] = value
	return common.HexToHash(res[1]), true, nil
}

func (s *Store) QueueLen(ctx context.Context) (int64, error) {
	return s.rdb.LLen(ctx, QueueKey).Result()
}

// Queued returns the IDs currently waiting in the queue.
func (s *Store) Queued(ctx context.Context) (map[common.Hash]bool, error) {
	raws, err := s.rdb.LRange(ctx, QueueKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[common.Hash]bool, len(raws))
	for _, raw := range raws {
		out[common.HexToHash(raw)] = true
	}
	return out, nil
}

// ── Locks ─────────────────────────────────────────────────────────────────

// Lock takes the per-request lock for owner. It reports false if another
// owner holds it.
func (s *Store) Lock(ctx context.Context, id common.Hash, owner string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, lockKey(id), owner, ttl).Result()
}

// Extend refreshes the lock's TTL if owner still holds it.
func (s *Store) Extend(ctx context.Context, id common.Hash, owner string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, s.rdb, []string{lockKey(id)}, owner, ttl.Milliseconds()).Int()
	return n == 1, err
}

// Unlock releases the lock if owner holds it.
func (s *Store) Unlock(ctx context.Context, id common.Hash, owner string) error {
	return unlockScript.Run(ctx, s.rdb, []string{lockKey(id)}, owner).Err()
}

// ── Cursors ───────────────────────────────────────────────────────────────

// Cursor returns the last fully processed height for an event kind.
func (s *Store) Cursor(ctx context.Context, kind string) (uint64, bool, error) {
	v, err := s.rdb.Get(ctx, cursorKey(kind)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	h, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("cursor %s: %w", kind, err)
	}
	return h, true, nil
}

// SetCursor advances the cursor for kind to height. A lower or equal height
// is ignored.
func (s *Store) SetCursor(ctx context.Context, kind string, height uint64) error {
	return cursorScript.Run(ctx, s.rdb, []string{cursorKey(kind)}, strconv.FormatUint(height, 10)).Err()
}

// ── Dead-letter list ──────────────────────────────────────────────────────

func (s *Store) PushDLQ(ctx context.Context, id common.Hash, reason string) error {
	raw, err := json.Marshal(DLQEntry{RequestID: id.Hex(), Reason: reason, At: nowUnix()})
	if err != nil {
		return err
	}
	return s.rdb.RPush(ctx, DLQKey, string(raw)).Err()
}

func (s *Store) ListDLQ(ctx context.Context) ([]DLQEntry, error) {
	raws, err := s.rdb.LRange(ctx, DLQKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]DLQEntry, 0, len(raws))
	for _, raw := range raws {
		var e DLQEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("decode dead-letter entry %q: %w", raw, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// RequeueDLQ moves a FAILED job back to PENDING, enqueues it and clears its
// dead-letter entries. ok is false if the job is not FAILED. Entries that do
// not decode are left for ListDLQ to report.
func (s *Store) RequeueDLQ(ctx context.Context, id common.Hash) (bool, error) {
	ok, err := s.Transition(ctx, id, []Status{StatusFailed}, StatusPending, "requeued by operator", Fields{
		FieldAttempts: "0",
	})
	if err != nil || !ok {
		return false, err
	}
	if err := s.Enqueue(ctx, id); err != nil {
		return false, fmt.Errorf("enqueue %s: %w", id.Hex(), err)
	}
	raws, err := s.rdb.LRange(ctx, DLQKey, 0, -1).Result()
	if err != nil {
		return false, fmt.Errorf("read dead-letter list: %w", err)
	}
	for _, raw := range raws {
		var e DLQEntry
		if json.Unmarshal([]byte(raw), &e) != nil || common.HexToHash(e.RequestID) != id {
			continue
		}
		if err := s.rdb.LRem(ctx, DLQKey, 0, raw).Err(); err != nil {
			return false, fmt.Errorf("clear dead-letter entry of %s: %w", id.Hex(), err)
		}
	}
	return true, nil
}

// EncodeRaw renders a raw transaction for the fulfill_raw field.
func EncodeRaw(raw []byte) string { return hex.EncodeToString(raw) }
