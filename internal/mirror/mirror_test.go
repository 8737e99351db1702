package mirror

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/mirrorctl/depotsync/internal/depot/depottest"
)

// testEnv is a source and a destination depot with a configuration
// pointing at both.
type testEnv struct {
	src    *depottest.Server
	dst    *depottest.Server
	config *Config
	out    *bytes.Buffer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	src := depottest.NewServer()
	t.Cleanup(src.Close)
	dst := depottest.NewServer()
	t.Cleanup(dst.Close)

	config := NewConfig()
	if err := config.Source.SetURL(src.URL()); err != nil {
		t.Fatal(err)
	}
	if err := config.Destination.SetURL(dst.URL()); err != nil {
		t.Fatal(err)
	}
	config.ReadTimeout = 5
	config.Cache = filepath.Join(t.TempDir(), "sync.json")
	config.SettleDelay = time.Millisecond

	return &testEnv{src: src, dst: dst, config: config, out: &bytes.Buffer{}}
}

func (e *testEnv) options() RunOptions {
	return RunOptions{RunID: "test", Out: e.out, SpoolDir: filepath.Dir(e.config.Cache)}
}

func (e *testEnv) mirror(t *testing.T, opts RunOptions) *Mirror {
	t.Helper()
	m, err := NewMirror(e.config, opts)
	if err != nil {
		t.Fatal(err)
	}
	return m
}
