package mirror

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSyncKeys(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	for _, rev := range []string{"20160101000000", "20170101000000", "20180101000000"} {
		e.src.AddKey("core", rev, []byte("SIG-PUB-1\ncore-"+rev+"\n"))
	}
	e.dst.AddKey("core", "20170101000000", []byte("SIG-PUB-1\ncore-20170101000000\n"))
	e.dst.AddKey("core", "20990101000000", []byte("dest only"))

	m := e.mirror(t, e.options())
	require.NoError(t, m.SyncKeys(context.Background()))

	assert.Equal(t, "[1/2] Syncing /origins/core/keys/20160101000000\n"+
		"[2/2] Syncing /origins/core/keys/20180101000000\n", e.out.String())
	assert.Equal(t, 2, m.Summary().KeysSynced)

	// destination keys are a superset of source keys and keep their own
	dstRevs := map[string]bool{}
	for _, k := range e.dst.Keys("core") {
		dstRevs[k.Revision] = true
	}
	for _, k := range e.src.Keys("core") {
		assert.True(t, dstRevs[k.Revision], k.Revision)
		want, _ := e.src.KeyContent("core", k.Revision)
		got, _ := e.dst.KeyContent("core", k.Revision)
		assert.Equal(t, want, got)
	}
	assert.True(t, dstRevs["20990101000000"])

	e.out.Reset()
	require.NoError(t, m.SyncKeys(context.Background()))
	assert.Equal(t, "Keys already synced!\n", e.out.String())
}

func TestSyncKeysWidth(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	for i := range 10 {
		rev := string(rune('a' + i))
		e.src.AddKey("core", rev, []byte(rev))
	}

	require.NoError(t, e.mirror(t, e.options()).SyncKeys(context.Background()))
	assert.Contains(t, e.out.String(), "[ 1/10] Syncing /origins/core/keys/a\n")
	assert.Contains(t, e.out.String(), "[10/10] Syncing /origins/core/keys/j\n")
}

func TestSyncKeysUploadRejected(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.src.AddKey("core", "1", []byte("one"))
	e.src.AddKey("core", "2", []byte("two"))
	e.dst.Fail(http.MethodPost, "/v1/depot/origins/core/keys/1", http.StatusForbidden)

	m := e.mirror(t, e.options())
	require.NoError(t, m.SyncKeys(context.Background()))
	assert.Equal(t, 1, m.Summary().KeysSynced)
	assert.Equal(t, 1, m.Summary().KeysFailed)
	_, ok := e.dst.KeyContent("core", "2")
	assert.True(t, ok)
}

func TestSyncKeysFatal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(e *testEnv)
	}{
		{"source list fails", func(e *testEnv) {
			e.src.Fail(http.MethodGet, "/v1/depot/origins/core/keys", http.StatusInternalServerError)
		}},
		{"destination unreachable", func(e *testEnv) {
			e.dst.Drop(http.MethodGet, "/v1/depot/origins/core/keys")
		}},
		{"download fails", func(e *testEnv) {
			e.src.Fail(http.MethodGet, "/v1/depot/origins/core/keys/1", http.StatusNotFound)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEnv(t)
			e.src.AddKey("core", "1", []byte("one"))
			tt.setup(e)

			err := e.mirror(t, e.options()).SyncKeys(context.Background())
			assert.Error(t, err)
			_, ok := e.dst.KeyContent("core", "1")
			assert.False(t, ok)
		})
	}
}

func TestSyncKeysDryRun(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.src.AddKey("core", "1", []byte("one"))

	opts := e.options()
	opts.DryRun = true
	require.NoError(t, e.mirror(t, opts).SyncKeys(context.Background()))
	assert.Contains(t, e.out.String(), "Syncing /origins/core/keys/1")
	assert.Equal(t, 0, e.dst.CountRequests(http.MethodPost, "/"))
}
