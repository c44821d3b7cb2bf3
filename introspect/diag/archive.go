package diag

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const archiveVersion = 1

type archive struct {
	Version int        `msgpack:"v"`
	Keys    []string   `msgpack:"k"`
	Sites   []CallSite `msgpack:"s"`
}

// ExportArchive encodes the call sites into a zstd compressed archive.
func ExportArchive(sites []CallSite) ([]byte, error) {
	a := archive{
		Version: archiveVersion,
		Keys:    make([]string, len(sites)),
		Sites:   sites,
	}
	for i, site := range sites {
		a.Keys[i] = site.Key
	}
	b, err := msgpack.Marshal(&a)
	if err != nil {
		return nil, fmt.Errorf("encode archive failed: %w", err)
	}
	return ZstdCompress(nil, b), nil
}

// ImportArchive decodes an archive created by ExportArchive.
func ImportArchive(data []byte) ([]CallSite, error) {
	b, err := ZstdDecompress(nil, data)
	if err != nil {
		return nil, fmt.Errorf("decompress archive failed: %w", err)
	}
	var a archive
	if err := msgpack.Unmarshal(b, &a); err != nil {
		return nil, fmt.Errorf("decode archive failed: %w", err)
	} else if a.Version != archiveVersion {
		return nil, fmt.Errorf("unsupported archive version: %d", a.Version)
	} else if len(a.Keys) != len(a.Sites) {
		return nil, errors.New("corrupt archive: key count mismatch")
	}
	for i := range a.Sites {
		a.Sites[i].Key = a.Keys[i]
	}
	return a.Sites, nil
}

// RestoreArchive writes the archived call sites into store under the recorder key space, replacing sites with the
// same key.
func RestoreArchive(store Storage, sites []CallSite) error {
	store = KeyPrefixStorage(store, callSitePrefix)
	for _, site := range sites {
		if site.Key == "" {
			return errors.New("call site without key")
		}
		blob, err := encodeCallSite(site, true)
		if err != nil {
			return fmt.Errorf("encode call site failed: %w", err)
		} else if err := store.SaveState(site.Key, blob); err != nil {
			return err
		}
	}
	return nil
}
