package statestore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mekann2904/mekann-sub020/pkg/rterrors"
)

type counterDoc struct {
	Count int `json:"count"`
}

func TestWithLockAtomicIncrement(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := New(path)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := MutateJSON(context.Background(), s, func(c *counterDoc) error {
				c.Count++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := ReadJSON[counterDoc](context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, n, got.Count)
}

func TestReadSnapshotMissingFileReturnsNil(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "missing.json"))
	raw, err := s.ReadSnapshot(context.Background())
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestCorruptStateIsQuarantined(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s := New(path)
	_, err := s.ReadSnapshot(context.Background())
	require.Error(t, err)
	assert.True(t, rterrors.IsKind(err, rterrors.KindCorruptState))

	matches, _ := filepath.Glob(path + ".corrupt-*")
	assert.Len(t, matches, 1)
}

func TestWithLockWritesAreAtomicPrePostImageOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	s := New(path)

	_, err := MutateJSON(context.Background(), s, func(c *counterDoc) error {
		c.Count = 1
		return nil
	})
	require.NoError(t, err)

	raw, err := s.ReadSnapshot(context.Background())
	require.NoError(t, err)
	var doc counterDoc
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, 1, doc.Count)
}
