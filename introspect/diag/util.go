package diag

import (
	"crypto/sha1"
	"hash"
	"hash/fnv"
	"runtime"
	"strings"
	"sync"

	"github.com/mtraver/base91"
	"golang.org/x/sync/errgroup"
)

const ErrorLogPrefix = "!! "

// ErrGroupLimitCPU returns an errgroup limited to NumCPU.
func ErrGroupLimitCPU() *errgroup.Group {
	errGroup := &errgroup.Group{}
	errGroup.SetLimit(runtime.NumCPU())
	return errGroup
}

// limitStringLines keeps the first (head) or last count lines of s.
func limitStringLines(s string, count int, head bool) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= count {
		return s
	} else if head {
		lines = lines[:count]
	} else {
		lines = lines[len(lines)-count:]
	}
	return strings.Join(lines, "\n")
}

func newDefaultStripedMutex() *stripedMutex {
	return newStripedMutex(509) // prime number provides better distributions
}

func newStripedMutex(stripes uint) *stripedMutex {
	m := &stripedMutex{
		locks: make([]sync.Mutex, stripes),
		pool:  &sync.Pool{New: func() any { return fnv.New64() }},
	}
	return m
}

// stripedMutex serializes work per key without holding a lock for every key.
type stripedMutex struct {
	locks []sync.Mutex
	pool  *sync.Pool
}

// Lock acquires the lock for the given key, returning the mutex for an easy unlock.
func (m *stripedMutex) Lock(key string) *sync.Mutex {
	l := m.getLock(key)
	l.Lock()
	return l
}

func (m *stripedMutex) getLock(key string) *sync.Mutex {
	h := m.pool.Get().(hash.Hash64)
	defer m.pool.Put(h)
	h.Reset()
	_, _ = h.Write([]byte(key))
	return &m.locks[h.Sum64()%uint64(len(m.locks))]
}

// printableKey hashes the given parts into a compact printable key.
func printableKey(parts ...string) string {
	h := sha1.New()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return base91.StdEncoding.EncodeToString(h.Sum(nil))
}
