package diag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"
)

func TestArchive(t *testing.T) {
	t.Parallel()

	sites := testReportSites()

	t.Run("roundtrip", func(t *testing.T) {
		data, err := ExportArchive(sites)
		require.NoError(t, err)

		imported, err := ImportArchive(data)
		require.NoError(t, err)
		assert.Equal(t, sites, imported)
	})

	t.Run("empty", func(t *testing.T) {
		data, err := ExportArchive(nil)
		require.NoError(t, err)

		imported, err := ImportArchive(data)
		require.NoError(t, err)
		assert.Empty(t, imported)
	})

	t.Run("corrupt", func(t *testing.T) {
		_, err := ImportArchive([]byte("not an archive"))
		assert.Error(t, err)
	})

	t.Run("version", func(t *testing.T) {
		b, err := msgpack.Marshal(&archive{Version: archiveVersion + 1})
		require.NoError(t, err)

		_, err = ImportArchive(ZstdCompress(nil, b))
		assert.ErrorContains(t, err, "unsupported archive version")
	})

	t.Run("restore", func(t *testing.T) {
		store := NewMemStorage()
		require.NoError(t, RestoreArchive(store, sites))

		r, err := NewRecorder(store, RecorderOptions{})
		require.NoError(t, err)
		restored, err := r.CallSites()
		require.NoError(t, err)

		expected := testReportSites()
		SortCallSites(expected)
		assert.Equal(t, expected, restored)
	})

	t.Run("restore_without_key", func(t *testing.T) {
		err := RestoreArchive(NewMemStorage(), []CallSite{{Caller: frameMain}})
		assert.Error(t, err)
	})
}
