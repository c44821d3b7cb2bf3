package diag

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/PatchLens/go-introspect/introspect"
)

const (
	callSitePrefix = "callsite"
	defaultDepth   = 16

	blobRaw    byte = 0
	blobSnappy byte = 1
)

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	// Depth is the maximum number of stack frames kept per call site, defaults to 16.
	Depth int
	// Ignore lists frame owners or members excluded from both the caller attribution and the stack.
	Ignore []string
	// Compress stores the call site blobs snappy compressed.
	Compress bool
}

// Recorder counts the distinct call sites which reach an instrumented function.
type Recorder struct {
	store    Storage
	opts     RecorderOptions
	locks    *stripedMutex
	ignore   map[string]bool
	nowNanos func() int64
}

// NewRecorder creates a Recorder persisting into store. Call sites are kept under their own key prefix so the store
// can be shared.
func NewRecorder(store Storage, opts RecorderOptions) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("nil storage")
	} else if opts.Depth < 0 {
		return nil, fmt.Errorf("%w: %d", introspect.ErrInvalidDepth, opts.Depth)
	} else if opts.Depth == 0 {
		opts.Depth = defaultDepth
	}
	ignore := make(map[string]bool, len(opts.Ignore))
	for _, name := range opts.Ignore {
		ignore[name] = true
	}
	return &Recorder{
		store:    KeyPrefixStorage(store, callSitePrefix),
		opts:     opts,
		locks:    newDefaultStripedMutex(),
		ignore:   ignore,
		nowNanos: func() int64 { return time.Now().UnixNano() },
	}, nil
}

// Record registers an invocation of the function calling Record. The caller of that function is attributed as the
// call site, skip moves the attribution further out for wrapping helpers. The updated CallSite is returned.
func (r *Recorder) Record(skip int) (CallSite, error) {
	skip = max(0, skip)
	caller := introspect.FindCaller(skip+1, r.opts.Ignore...)
	stack := r.filterStack(introspect.CallersSnapshot(skip + 1))

	key := printableKey(caller.ID(), stack.ID())
	now := r.nowNanos()

	lock := r.locks.Lock(key)
	defer lock.Unlock()

	site, found, err := r.load(key)
	if err != nil {
		return CallSite{}, err
	} else if found {
		site.Hits++
		site.LastNS = now
	} else {
		site = CallSite{
			Key:     key,
			Caller:  caller,
			Stack:   stack,
			Hits:    1,
			FirstNS: now,
			LastNS:  now,
		}
	}
	if err := r.save(site); err != nil {
		return CallSite{}, err
	}
	return site, nil
}

func (r *Recorder) filterStack(s introspect.Snapshot) introspect.Snapshot {
	frames := make([]introspect.Frame, 0, min(r.opts.Depth, s.Len()))
	for i := 0; i < s.Len() && len(frames) < r.opts.Depth; i++ {
		if f := s.At(i); !r.ignore[f.Owner] && !r.ignore[f.Member] {
			frames = append(frames, f)
		}
	}
	return introspect.NewSnapshot(frames)
}

func (r *Recorder) load(key string) (CallSite, bool, error) {
	blob, ok, err := r.store.LoadState(key)
	if err != nil {
		return CallSite{}, false, fmt.Errorf("load call site failed: %w", err)
	} else if !ok {
		return CallSite{}, false, nil
	}
	site, err := decodeCallSite(blob)
	if err != nil {
		return CallSite{}, false, fmt.Errorf("decode call site %q failed: %w", key, err)
	}
	site.Key = key
	return site, true, nil
}

func (r *Recorder) save(site CallSite) error {
	blob, err := encodeCallSite(site, r.opts.Compress)
	if err != nil {
		return fmt.Errorf("encode call site failed: %w", err)
	}
	return r.store.SaveState(site.Key, blob)
}

// CallSites loads every recorded call site, ordered by descending hits.
func (r *Recorder) CallSites() ([]CallSite, error) {
	keys, err := r.store.ListKeys()
	if err != nil {
		return nil, fmt.Errorf("list call sites failed: %w", err)
	}
	sites := make([]CallSite, len(keys))
	errGrp := ErrGroupLimitCPU()
	for i, key := range keys {
		errGrp.Go(func() error {
			site, ok, err := r.load(key)
			if err != nil {
				return err
			} else if !ok {
				return fmt.Errorf("call site %q removed during load", key)
			}
			sites[i] = site
			return nil
		})
	}
	if err := errGrp.Wait(); err != nil {
		return nil, err
	}
	SortCallSites(sites)
	return sites, nil
}

// Reset removes every recorded call site.
func (r *Recorder) Reset() error {
	return r.store.Clear()
}

// SortCallSites orders call sites by descending hits, then by caller.
func SortCallSites(sites []CallSite) {
	slices.SortFunc(sites, func(a, b CallSite) int {
		if c := cmp.Compare(b.Hits, a.Hits); c != 0 {
			return c
		} else if c = cmp.Compare(a.Caller.String(), b.Caller.String()); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
}

func encodeCallSite(site CallSite, compress bool) ([]byte, error) {
	b, err := msgpack.Marshal(&site)
	if err != nil {
		return nil, err
	}
	if compress {
		return append([]byte{blobSnappy}, SnappyCompress(nil, b)...), nil
	}
	return append([]byte{blobRaw}, b...), nil
}

func decodeCallSite(blob []byte) (CallSite, error) {
	if len(blob) == 0 {
		return CallSite{}, errors.New("empty blob")
	}
	data := blob[1:]
	switch blob[0] {
	case blobRaw:
	case blobSnappy:
		var err error
		if data, err = SnappyDecompress(nil, data); err != nil {
			return CallSite{}, err
		}
	default:
		return CallSite{}, fmt.Errorf("unknown blob encoding: %d", blob[0])
	}
	var site CallSite
	err := msgpack.Unmarshal(data, &site)
	return site, err
}
