package diag

import (
	"errors"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/dgraph-io/ristretto/v2"
)

const debugStorage = false

// maxValueSize bounds a single stored blob, call site records are orders of magnitude below it.
const maxValueSize = 64 << 20

// ErrValueTooLarge is returned when a blob exceeds the storage value limit.
var ErrValueTooLarge = errors.New("value too large")

// Storage defines persistence for recorded call site blobs.
type Storage interface {
	SaveState(key string, blob []byte) error
	LoadState(key string) ([]byte, bool, error)
	DeleteState(key string) error
	// ListKeysPrefix returns all keys in the store that begin with the given prefix, in sorted order.
	ListKeysPrefix(prefix string) ([]string, error)
	// ListKeys returns all keys in the store, in sorted order.
	ListKeys() ([]string, error)
	Clear() error
	Close()
}

// KeyPrefixStorage wraps another Storage, prepending a fixed prefix to all keys.
// Its ListKeys and ListKeysPrefix methods strip the prefix before returning, and Clear only removes prefixed keys.
func KeyPrefixStorage(s Storage, prefix string) Storage {
	if prefix == "" {
		return s
	}
	return &prefixStorage{store: s, prefix: prefix + ";"}
}

type prefixStorage struct {
	store  Storage
	prefix string
}

func (p *prefixStorage) SaveState(key string, blob []byte) error {
	return p.store.SaveState(p.prefix+key, blob)
}

func (p *prefixStorage) LoadState(key string) ([]byte, bool, error) {
	return p.store.LoadState(p.prefix + key)
}

func (p *prefixStorage) DeleteState(key string) error {
	return p.store.DeleteState(p.prefix + key)
}

func (p *prefixStorage) ListKeysPrefix(prefix string) ([]string, error) {
	keys, err := p.store.ListKeysPrefix(p.prefix + prefix)
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, p.prefix)
	}
	return keys, nil
}

func (p *prefixStorage) ListKeys() ([]string, error) {
	return p.ListKeysPrefix("")
}

func (p *prefixStorage) Clear() error {
	keys, err := p.ListKeys()
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := p.DeleteState(key); err != nil {
			return err
		}
	}
	return nil
}

func (p *prefixStorage) Close() {
	p.store.Close()
}

type memStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemStorage returns an in-memory Storage implementation.
func NewMemStorage() Storage {
	return &memStorage{data: make(map[string][]byte)}
}

func (m *memStorage) SaveState(key string, blob []byte) error {
	if len(blob) > maxValueSize {
		return fmt.Errorf("%w: %s (%d bytes)", ErrValueTooLarge, key, len(blob))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = slices.Clone(blob)
	return nil
}

func (m *memStorage) LoadState(key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blob, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return slices.Clone(blob), true, nil
}

func (m *memStorage) DeleteState(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *memStorage) ListKeysPrefix(prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys, nil
}

func (m *memStorage) ListKeys() ([]string, error) {
	return m.ListKeysPrefix("")
}

func (m *memStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	clear(m.data)
	return nil
}

func (m *memStorage) Close() {
	// no resources to free
}

type badgerStorage struct {
	path      string
	temporary bool
	db        *badger.DB
	done      chan struct{}
}

// NewBadgerStorage opens a Badger backed Storage at path, sizing its caches from maxMemMB. A temporary store has its
// directory removed on Close, otherwise the data is kept so that a later process (ie the report command) can read it.
func NewBadgerStorage(path string, maxMemMB int, temporary bool) (Storage, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("create storage dir failed: %w", err)
	}

	clamp := func(val, lo, high int64) int64 {
		return min(max(val, lo), high)
	}
	memTableSize := clamp(int64(maxMemMB/4), 8, 64) << 20 // batch size derives from this, must stay above the value threshold
	opts := badger.DefaultOptions(path).
		WithCompression(options.ZSTD).
		WithZSTDCompressionLevel(3).
		WithNumMemtables(2).
		WithMemTableSize(memTableSize).
		WithBaseTableSize(memTableSize).
		WithBlockCacheSize(clamp(int64(maxMemMB/8), 2, 64) << 20). // required when compression is enabled
		WithIndexCacheSize(clamp(int64(maxMemMB/8), 4, 64) << 20).
		WithValueLogFileSize(max(64<<20, 2*maxValueSize))

	if !debugStorage {
		opts = opts.
			WithLoggingLevel(badger.ERROR).
			WithMetricsEnabled(false)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open storage db failed: %w", err)
	}
	b := &badgerStorage{path: path, temporary: temporary, db: db, done: make(chan struct{})}
	if debugStorage {
		go b.logCacheMetrics(time.Minute)
	}
	return b, nil
}

func (b *badgerStorage) logCacheMetrics(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logMetrics := func(name string, metrics *ristretto.Metrics) {
		if metrics.Hits() != 0 || metrics.Misses() != 0 {
			log.Println(name + ": " + metrics.String())
		}
		metrics.Clear()
	}
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			logMetrics("block", b.db.BlockCacheMetrics())
			logMetrics("index", b.db.IndexCacheMetrics())
		}
	}
}

func (b *badgerStorage) SaveState(key string, blob []byte) error {
	if len(blob) > maxValueSize {
		return fmt.Errorf("%w: %s (%d bytes)", ErrValueTooLarge, key, len(blob))
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), blob)
	})
}

func (b *badgerStorage) LoadState(key string) ([]byte, bool, error) {
	var blob []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		blob, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return blob, true, nil
}

func (b *badgerStorage) DeleteState(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *badgerStorage) ListKeysPrefix(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, string(it.Item().Key()))
		}
		return nil
	})
	return keys, err
}

func (b *badgerStorage) ListKeys() ([]string, error) {
	return b.ListKeysPrefix("")
}

func (b *badgerStorage) Clear() error {
	return b.db.DropAll()
}

func (b *badgerStorage) Close() {
	close(b.done)
	if err := b.db.Close(); err != nil {
		log.Printf("%sclose storage failed: %v", ErrorLogPrefix, err)
	}
	if b.temporary {
		_ = os.RemoveAll(b.path)
	}
}
