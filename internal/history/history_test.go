package history

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/iwarelease/internal/version"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	for i := 0; i < 3; i++ {
		l, err := Open(path)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, l.Close())
	}
	_, err := os.Stat(path)
	require.NoError(t, err)
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, v := range []version.Version{{Major: 1, Minor: 2, Patch: 10}, {Major: 1}, {Major: 1, Minor: 2, Patch: 3}} {
		require.NoError(t, l.Record(ctx, Release{
			RunID:     "run-" + v.String(),
			Version:   v,
			Filename:  "app_" + v.String() + ".swbn",
			SHA256:    "abc",
			Size:      42,
			Commit:    "deadbeef",
			CreatedAt: created,
		}))
	}

	got, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "1.0.0", got[0].Version.String())
	assert.Equal(t, "1.2.3", got[1].Version.String())
	assert.Equal(t, "1.2.10", got[2].Version.String())
	assert.Equal(t, "app_1.2.10.swbn", got[2].Filename)
	assert.Equal(t, int64(42), got[2].Size)
	assert.True(t, created.Equal(got[0].CreatedAt))
}

func TestRecord_Duplicate(t *testing.T) {
	ctx := context.Background()
	l := openLedger(t)

	r := Release{RunID: "a", Version: version.Initial, Filename: "app_1.0.0.swbn", SHA256: "x"}
	require.NoError(t, l.Record(ctx, r))

	r.RunID = "b"
	err := l.Record(ctx, r)
	require.ErrorIs(t, err, ErrDuplicate)

	got, err := l.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].RunID)
}

func TestDigest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))

	sum, size, err := Digest(path)
	require.NoError(t, err)
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
	assert.Equal(t, int64(3), size)

	_, _, err = Digest(filepath.Join(t.TempDir(), "absent"))
	assert.Error(t, err)
}
