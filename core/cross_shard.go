package core

// cross_shard.go – atomic cross-shard transfers: two-phase commit driven
// by a crash-recoverable write-ahead log. The WAL directory is the source
// of truth; every state transition rewrites the transfer's file before the
// in-memory state advances. Recovery must resolve every non-terminal entry
// before the chain head restarts.

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// CrossShardTimeout bounds one PREPARE->COMMIT attempt.
	CrossShardTimeout = 30 * time.Second
	// MaxRetryAttempts bounds COMMIT retries before abort.
	MaxRetryAttempts = 3
	// WALRetention keeps terminal entries around for inspection.
	WALRetention = 24 * time.Hour

	walDirMode  = 0o700
	walFileMode = 0o600
)

// TransferID derives the idempotency key:
// SHA-256(from_shard || to_shard || from || to || amount || nonce || height).
func TransferID(fromShard, toShard ShardID, from, to Address, amount Amount, nonce, height uint64) Hash {
	buf := make([]byte, 0, 4+4+20+20+32+8+8)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(fromShard))
	buf = append(buf, u32[:]...)
	binary.BigEndian.PutUint32(u32[:], uint32(toShard))
	buf = append(buf, u32[:]...)
	buf = append(buf, from[:]...)
	buf = append(buf, to[:]...)
	amt := amount.Bytes32()
	buf = append(buf, amt[:]...)
	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], nonce)
	buf = append(buf, u64[:]...)
	binary.BigEndian.PutUint64(u64[:], height)
	buf = append(buf, u64[:]...)
	return SHA256(buf)
}

//---------------------------------------------------------------------
// Write-ahead log
//---------------------------------------------------------------------

// WriteAheadLog persists one file per transfer id, rewritten on every
// state transition.
type WriteAheadLog struct {
	dir string
	mu  sync.Mutex
}

// NewWriteAheadLog creates the commit-log directory with operator-only
// permissions.
func NewWriteAheadLog(dir string) (*WriteAheadLog, error) {
	if err := os.MkdirAll(dir, walDirMode); err != nil {
		return nil, WrapErr(KindStorage, "create wal dir", err)
	}
	return &WriteAheadLog{dir: dir}, nil
}

func (w *WriteAheadLog) path(id Hash) string {
	return filepath.Join(w.dir, id.Hex()+".json")
}

// Write rewrites the transfer's file atomically (temp + rename) and syncs
// before returning, so a state transition is durable once Write returns.
func (w *WriteAheadLog) Write(t *CrossShardTransfer) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	raw, err := json.Marshal(t)
	if err != nil {
		return WrapErr(KindStorage, "encode wal entry", err)
	}
	tmp := w.path(t.ID) + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, walFileMode)
	if err != nil {
		return WrapErr(KindStorage, "open wal tmp", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return WrapErr(KindStorage, "write wal", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return WrapErr(KindStorage, "sync wal", err)
	}
	if err := f.Close(); err != nil {
		return WrapErr(KindStorage, "close wal", err)
	}
	if err := os.Rename(tmp, w.path(t.ID)); err != nil {
		return WrapErr(KindStorage, "rename wal", err)
	}
	return nil
}

// Delete removes a terminal entry after retention.
func (w *WriteAheadLog) Delete(id Hash) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.Remove(w.path(id)); err != nil && !os.IsNotExist(err) {
		return WrapErr(KindStorage, "remove wal entry", err)
	}
	return nil
}

// Scan loads every entry in the directory.
func (w *WriteAheadLog) Scan() ([]*CrossShardTransfer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, WrapErr(KindStorage, "read wal dir", err)
	}
	var out []*CrossShardTransfer
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(w.dir, ent.Name()))
		if err != nil {
			return nil, WrapErr(KindStorage, "read wal entry", err)
		}
		var t CrossShardTransfer
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, errors.Wrapf(ErrWALInvalidState, "entry %s undecodable", ent.Name())
		}
		out = append(out, &t)
	}
	return out, nil
}

//---------------------------------------------------------------------
// Coordinator
//---------------------------------------------------------------------

// ShardCoordinator owns the 2PC lifecycle. Destination application is
// injectable so failure paths are testable; the default applies the
// credit to the local destination shard.
type ShardCoordinator struct {
	engine *ShardEngine
	wal    *WriteAheadLog

	mu        sync.Mutex
	transfers map[Hash]*CrossShardTransfer

	timeout    time.Duration
	maxRetries uint32
	retention  time.Duration

	// commitFn delivers COMMIT to the destination shard. Tests inject
	// failures here.
	commitFn func(*CrossShardTransfer) (Hash, error)
}

// NewShardCoordinator opens the WAL and wires the default local delivery.
func NewShardCoordinator(engine *ShardEngine, walDir string) (*ShardCoordinator, error) {
	wal, err := NewWriteAheadLog(walDir)
	if err != nil {
		return nil, err
	}
	c := &ShardCoordinator{
		engine:     engine,
		wal:        wal,
		transfers:  make(map[Hash]*CrossShardTransfer),
		timeout:    CrossShardTimeout,
		maxRetries: MaxRetryAttempts,
		retention:  WALRetention,
	}
	c.commitFn = c.applyDestinationCredit
	return c, nil
}

// SetCommitFn replaces destination delivery (tests, remote shards).
func (c *ShardCoordinator) SetCommitFn(fn func(*CrossShardTransfer) (Hash, error)) {
	c.mu.Lock()
	c.commitFn = fn
	c.mu.Unlock()
}

// SetTimeout overrides the per-attempt timeout (tests).
func (c *ShardCoordinator) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Begin runs the source-shard PREPARE for a transfer whose debit is part
// of the just-committed source block. The WAL entry lands in Preparing and
// advances to Prepared once the post-debit state root is recorded. A
// duplicate Begin for a known id returns the existing transfer unchanged.
func (c *ShardCoordinator) Begin(tx *Transaction, fromShard, toShard ShardID, height uint64) (*CrossShardTransfer, error) {
	if fromShard == toShard {
		return nil, ErrSameShard
	}
	id := TransferID(fromShard, toShard, tx.From, tx.To, tx.Amount, tx.Nonce, height)

	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.transfers[id]; ok {
		return existing, nil
	}

	now := time.Now().Unix()
	t := &CrossShardTransfer{
		ID:        id,
		FromShard: fromShard,
		ToShard:   toShard,
		FromAddr:  tx.From,
		ToAddr:    tx.To,
		Amount:    tx.Amount,
		State:     TransferPreparing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := c.wal.Write(t); err != nil {
		return nil, err
	}

	srcShard, err := c.engine.Shard(fromShard)
	if err != nil {
		return nil, err
	}
	root, err := srcShard.Ledger().StateRoot()
	if err != nil {
		return nil, err
	}
	t.FromProof = root
	if err := c.transition(t, TransferPrepared); err != nil {
		return nil, err
	}
	c.transfers[id] = t
	zap.L().Sugar().Infow("cross-shard prepared",
		"id", id.Hex(), "from_shard", fromShard, "to_shard", toShard,
		"amount", t.Amount.String())
	return t, nil
}

// Process drives a Prepared transfer to a terminal state: COMMIT with
// retries and the attempt timeout, then abort-and-refund on exhaustion.
func (c *ShardCoordinator) Process(id Hash) error {
	c.mu.Lock()
	t, ok := c.transfers[id]
	if !ok {
		c.mu.Unlock()
		return errors.Wrapf(ErrWALInvalidState, "unknown transfer %s", id.Hex())
	}
	c.mu.Unlock()

	switch t.State {
	case TransferCommitted, TransferAborted:
		return nil // terminal; duplicate COMMIT is a no-op
	case TransferPrepared, TransferCommitting:
	default:
		return errors.Wrapf(ErrWALInvalidState, "transfer %s in state %d", id.Hex(), t.State)
	}

	var lastErr error
	for attempt := t.Attempts; attempt < c.maxRetries; attempt++ {
		t.Attempts = attempt + 1
		toProof, err := c.attemptCommit(t)
		if err == nil {
			c.mu.Lock()
			defer c.mu.Unlock()
			if err := c.transition(t, TransferCommitting); err != nil {
				return err
			}
			t.ToProof = toProof
			if err := c.transition(t, TransferCommitted); err != nil {
				return err
			}
			zap.L().Sugar().Infow("cross-shard committed", "id", id.Hex())
			return nil
		}
		lastErr = err
		zap.L().Sugar().Warnw("cross-shard commit attempt failed",
			"id", id.Hex(), "attempt", t.Attempts, "err", err)
	}
	if t.State == TransferPrepared {
		if err := c.Abort(id); err != nil {
			return err
		}
	}
	return errors.Wrap(ErrRetryExhausted, fmt.Sprintf("transfer %s: %v", id.Hex(), lastErr))
}

// attemptCommit bounds one delivery by the coordinator timeout.
func (c *ShardCoordinator) attemptCommit(t *CrossShardTransfer) (Hash, error) {
	type result struct {
		proof Hash
		err   error
	}
	done := make(chan result, 1)
	go func() {
		proof, err := c.commitFn(t)
		done <- result{proof: proof, err: err}
	}()
	select {
	case r := <-done:
		return r.proof, r.err
	case <-time.After(c.timeout):
		return Hash{}, ErrCrossShardTimeout
	}
}

// applyDestinationCredit is the in-process COMMIT: credit the recipient on
// the destination partition, guarded by an applied-marker so replays after
// a crash are idempotent, and return the destination state root.
func (c *ShardCoordinator) applyDestinationCredit(t *CrossShardTransfer) (Hash, error) {
	dst, err := c.engine.Shard(t.ToShard)
	if err != nil {
		return Hash{}, err
	}
	led := dst.Ledger()
	marker := []byte(NSCrossShard + "applied:" + t.ID.Hex())
	if ok, _ := led.store.Has(marker); !ok {
		acct, err := led.GetAccount(t.ToAddr)
		if err != nil {
			return Hash{}, err
		}
		acct.Balance, err = acct.Balance.Add(t.Amount)
		if err != nil {
			return Hash{}, err
		}
		op, err := accountOp(t.ToAddr, acct)
		if err != nil {
			return Hash{}, err
		}
		if err := led.store.Batch([]BatchOp{op, {Key: marker, Value: []byte{1}}}); err != nil {
			return Hash{}, err
		}
	}
	return led.StateRoot()
}

// Abort rolls a non-terminal transfer back: refund the sender on the
// source shard (idempotent) and mark the WAL entry Aborted.
func (c *ShardCoordinator) Abort(id Hash) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transfers[id]
	if !ok {
		return errors.Wrapf(ErrWALInvalidState, "unknown transfer %s", id.Hex())
	}
	switch t.State {
	case TransferCommitted:
		return ErrTransferTerminal
	case TransferAborted:
		return nil
	case TransferCommitting:
		// Past the point of no return; recovery resends COMMIT instead.
		return errors.Wrapf(ErrWALInvalidState, "transfer %s committing, cannot abort", t.ID.Hex())
	}
	if err := c.transition(t, TransferAborting); err != nil {
		return err
	}
	if err := c.refundSource(t); err != nil {
		return err
	}
	if err := c.transition(t, TransferAborted); err != nil {
		return err
	}
	zap.L().Sugar().Warnw("cross-shard aborted", "id", id.Hex())
	return nil
}

func (c *ShardCoordinator) refundSource(t *CrossShardTransfer) error {
	src, err := c.engine.Shard(t.FromShard)
	if err != nil {
		return err
	}
	led := src.Ledger()
	marker := []byte(NSCrossShard + "refunded:" + t.ID.Hex())
	if ok, _ := led.store.Has(marker); ok {
		return nil
	}
	acct, err := led.GetAccount(t.FromAddr)
	if err != nil {
		return err
	}
	acct.Balance, err = acct.Balance.Add(t.Amount)
	if err != nil {
		return err
	}
	op, err := accountOp(t.FromAddr, acct)
	if err != nil {
		return err
	}
	return led.store.Batch([]BatchOp{op, {Key: marker, Value: []byte{1}}})
}

// transition rewrites the WAL entry then advances the in-memory state.
// Monotonic only; the WAL write is the durability point.
func (c *ShardCoordinator) transition(t *CrossShardTransfer, next TransferState) error {
	if next < t.State && !(t.State == TransferPrepared && next == TransferAborting) {
		return errors.Wrapf(ErrWALInvalidState, "transfer %s: %d -> %d", t.ID.Hex(), t.State, next)
	}
	prev := t.State
	t.State = next
	t.UpdatedAt = time.Now().Unix()
	if err := c.wal.Write(t); err != nil {
		t.State = prev
		return err
	}
	switch next {
	case TransferCommitted:
		MetricCrossShardTransfers.WithLabelValues("committed").Inc()
	case TransferAborted:
		MetricCrossShardTransfers.WithLabelValues("aborted").Inc()
	}
	return nil
}

// Transfer returns a copy of the tracked transfer.
func (c *ShardCoordinator) Transfer(id Hash) (CrossShardTransfer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.transfers[id]
	if !ok {
		return CrossShardTransfer{}, false
	}
	return *t, true
}

//---------------------------------------------------------------------
// Recovery
//---------------------------------------------------------------------

// Recover scans the WAL after a restart and resolves every entry. The
// node must not resume block production until this returns nil:
//   - Committed/Aborted past retention are deleted.
//   - Committing: resend COMMIT (idempotent), finalize.
//   - Prepared: resend COMMIT; exhausted retries abort and refund.
//   - Preparing: the source debit may not have reached its block; roll
//     back and refund.
func (c *ShardCoordinator) Recover() error {
	entries, err := c.wal.Scan()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, t := range entries {
		c.mu.Lock()
		c.transfers[t.ID] = t
		c.mu.Unlock()

		switch t.State {
		case TransferCommitted, TransferAborted:
			if now.Sub(time.Unix(t.UpdatedAt, 0)) > c.retention {
				if err := c.wal.Delete(t.ID); err != nil {
					return err
				}
				c.mu.Lock()
				delete(c.transfers, t.ID)
				c.mu.Unlock()
			}
		case TransferCommitting, TransferPrepared:
			t.Attempts = 0
			if err := c.Process(t.ID); err != nil {
				if errors.Is(err, ErrRetryExhausted) {
					continue // aborted and refunded inside Process
				}
				return errors.Wrapf(err, "recover transfer %s", t.ID.Hex())
			}
		case TransferPreparing:
			if err := c.Abort(t.ID); err != nil {
				return errors.Wrapf(err, "rollback transfer %s", t.ID.Hex())
			}
		default:
			return errors.Wrapf(ErrWALInvalidState, "transfer %s state %d", t.ID.Hex(), t.State)
		}
	}
	return nil
}
