// core/storage.go
package core

// Storage subsystem – embedded ordered key/value store over goleveldb with
// an in-memory LRU for hot block records and AES-256-GCM encryption for
// the sensitive namespaces. Thread-safe; batch writes are the atomicity
// unit for block commits.

import (
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	dberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

//---------------------------------------------------------------------
// Key namespaces
//---------------------------------------------------------------------

const (
	NSBlock      = "block:"      // block:{hash} -> block JSON
	NSHeight     = "height:"     // height:{u64_be} -> block hash
	NSWallet     = "wallet:"     // wallet:{addr} -> account JSON (encrypted)
	NSValidator  = "validator:"  // validator:{addr} -> validator JSON
	NSDelegation = "delegation:" // delegation:{validator}:{delegator}
	NSUnbonding  = "unbonding:"  // unbonding:{validator}:{delegator}:{seq}
	NSCrossShard = "xs:"         // xs:{transfer_id} -> WAL mirror (encrypted)
	NSEvidence   = "evidence:"   // evidence:{addr}:{rfc3339nano} (encrypted)
	NSTxIndex    = "tx:"         // tx:{hash} -> transaction JSON
	NSSupply     = "supply:"     // supply:total, supply:residual
	KeyLatest    = "latest"      // -> latest finalized height (u64_be)
)

// encryptedNamespaces lists prefixes whose values are sealed at rest.
var encryptedNamespaces = []string{NSCrossShard, NSWallet, NSEvidence}

const blockCacheSize = 1000

//---------------------------------------------------------------------
// Store
//---------------------------------------------------------------------

// StoreConfig configures the embedded database.
type StoreConfig struct {
	Path string
	// EncryptionKey is the 32-byte HKDF-derived data key; nil disables
	// at-rest encryption (dev mode).
	EncryptionKey []byte
}

// Store wraps goleveldb with namespace-aware encryption and a block LRU.
type Store struct {
	db     *leveldb.DB
	cache  *lru.Cache[string, []byte]
	encKey []byte

	applied atomic.Uint64 // blocks applied since last compaction

	mu     sync.RWMutex
	closed bool
}

// BatchOp is one element of an atomic write set.
type BatchOp struct {
	Key    []byte
	Value  []byte // nil means delete
	Delete bool
}

// OpenStore opens (or creates) the database. A held file lock from a dead
// process surfaces as ErrStaleLock so operators get a distinct signal.
func OpenStore(cfg StoreConfig) (*Store, error) {
	db, err := leveldb.OpenFile(cfg.Path, &opt.Options{})
	if err != nil {
		if dberrors.IsCorrupted(err) {
			db, err = leveldb.RecoverFile(cfg.Path, nil)
		}
		if err != nil {
			if strings.Contains(err.Error(), "lock") {
				return nil, ErrStaleLock
			}
			return nil, WrapErr(KindStorage, "open database", err)
		}
	}
	cache, err := lru.New[string, []byte](blockCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, WrapErr(KindStorage, "block cache", err)
	}
	if cfg.EncryptionKey != nil && len(cfg.EncryptionKey) != 32 {
		_ = db.Close()
		return nil, WrapErr(KindStorage, "encryption key", ErrParamOutOfRange)
	}
	logrus.Infof("storage: opened %s (encryption=%v)", cfg.Path, cfg.EncryptionKey != nil)
	return &Store{db: db, cache: cache, encKey: cfg.EncryptionKey}, nil
}

// Close flushes and releases the file lock. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *Store) isEncrypted(key []byte) bool {
	if s.encKey == nil {
		return false
	}
	k := string(key)
	for _, ns := range encryptedNamespaces {
		if strings.HasPrefix(k, ns) {
			return true
		}
	}
	return false
}

func (s *Store) sealIfNeeded(key, value []byte) ([]byte, error) {
	if !s.isEncrypted(key) {
		return value, nil
	}
	return EncryptValue(s.encKey, value)
}

func (s *Store) openIfNeeded(key, value []byte) ([]byte, error) {
	if !s.isEncrypted(key) {
		return value, nil
	}
	return DecryptValue(s.encKey, value)
}

// Get returns the value for key or ErrKeyNotFound. Hot block records are
// served from the LRU.
func (s *Store) Get(key []byte) ([]byte, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	s.mu.RUnlock()

	cacheKey := ""
	if strings.HasPrefix(string(key), NSBlock) {
		cacheKey = string(key)
		if v, ok := s.cache.Get(cacheKey); ok {
			MetricStorageCacheHits.WithLabelValues("hit").Inc()
			return append([]byte(nil), v...), nil
		}
		MetricStorageCacheHits.WithLabelValues("miss").Inc()
	}
	raw, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, WrapErr(KindStorage, "get", err)
	}
	val, err := s.openIfNeeded(key, raw)
	if err != nil {
		return nil, err
	}
	if cacheKey != "" {
		s.cache.Add(cacheKey, append([]byte(nil), val...))
	}
	return val, nil
}

// Has reports key presence without decrypting.
func (s *Store) Has(key []byte) (bool, error) {
	ok, err := s.db.Has(key, nil)
	if err != nil {
		return false, WrapErr(KindStorage, "has", err)
	}
	return ok, nil
}

// Put writes a single key atomically. Block writes invalidate then insert
// into the cache.
func (s *Store) Put(key, value []byte) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	sealed, err := s.sealIfNeeded(key, value)
	if err != nil {
		return err
	}
	if strings.HasPrefix(string(key), NSBlock) {
		s.cache.Remove(string(key))
	}
	if err := s.db.Put(key, sealed, &opt.WriteOptions{Sync: true}); err != nil {
		return WrapErr(KindStorage, "put", err)
	}
	if strings.HasPrefix(string(key), NSBlock) {
		s.cache.Add(string(key), append([]byte(nil), value...))
	}
	return nil
}

// Delete removes a key.
func (s *Store) Delete(key []byte) error {
	if strings.HasPrefix(string(key), NSBlock) {
		s.cache.Remove(string(key))
	}
	if err := s.db.Delete(key, &opt.WriteOptions{Sync: true}); err != nil {
		return WrapErr(KindStorage, "delete", err)
	}
	return nil
}

// Batch applies every op or none. Used for block commit so a crash can
// never leave the chain head half-advanced.
func (s *Store) Batch(ops []BatchOp) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrStoreClosed
	}
	s.mu.RUnlock()

	batch := new(leveldb.Batch)
	for _, op := range ops {
		if op.Delete {
			batch.Delete(op.Key)
			continue
		}
		sealed, err := s.sealIfNeeded(op.Key, op.Value)
		if err != nil {
			return err
		}
		batch.Put(op.Key, sealed)
	}
	// Invalidate before the write so a concurrent reader can at worst
	// re-read the new value, never serve the old one.
	for _, op := range ops {
		if strings.HasPrefix(string(op.Key), NSBlock) {
			s.cache.Remove(string(op.Key))
		}
	}
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return WrapErr(KindStorage, "batch write", err)
	}
	for _, op := range ops {
		if !op.Delete && strings.HasPrefix(string(op.Key), NSBlock) {
			s.cache.Add(string(op.Key), append([]byte(nil), op.Value...))
		}
	}
	return nil
}

//---------------------------------------------------------------------
// Prefix iteration
//---------------------------------------------------------------------

// StoreIterator walks keys of one namespace in lexicographic order.
type StoreIterator struct {
	it    iterator.Iterator
	store *Store
	key   []byte
	value []byte
	err   error
}

// Scan returns an iterator over every key with the given prefix.
func (s *Store) Scan(prefix []byte) *StoreIterator {
	return &StoreIterator{
		it:    s.db.NewIterator(util.BytesPrefix(prefix), nil),
		store: s,
	}
}

// Next advances; it decrypts values from sealed namespaces on the fly.
func (it *StoreIterator) Next() bool {
	if it.err != nil || !it.it.Next() {
		return false
	}
	it.key = append([]byte(nil), it.it.Key()...)
	val, err := it.store.openIfNeeded(it.key, it.it.Value())
	if err != nil {
		it.err = err
		return false
	}
	it.value = append([]byte(nil), val...)
	return true
}

func (it *StoreIterator) Key() []byte   { return it.key }
func (it *StoreIterator) Value() []byte { return it.value }

func (it *StoreIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	return it.it.Error()
}

func (it *StoreIterator) Close() error {
	it.it.Release()
	return it.it.Error()
}

//---------------------------------------------------------------------
// Compaction
//---------------------------------------------------------------------

// TrackAppliedBlock bumps the applied-block counter and kicks a background
// compaction every CompactionInterval blocks. Producers never wait on it.
func (s *Store) TrackAppliedBlock() {
	n := s.applied.Add(1)
	if n >= CompactionInterval {
		s.applied.Store(0)
		go s.Compact()
	}
}

// Compact runs a full range compaction.
func (s *Store) Compact() {
	if err := s.db.CompactRange(util.Range{}); err != nil {
		logrus.Warnf("storage: compaction: %v", err)
		return
	}
	logrus.Info("storage: compaction complete")
}
