package settings

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "settings.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

type doc struct {
	Enabled  bool  `json:"enabled"`
	Interval int64 `json:"interval"`
}

func TestGetPut(t *testing.T) {
	s, _ := openTestStore(t)

	var got doc
	found, err := s.Get(BucketSync, "state", &got)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Put(BucketSync, "state", doc{Enabled: true, Interval: 60_000}))

	found, err = s.Get(BucketSync, "state", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, doc{Enabled: true, Interval: 60_000}, got)
}

func TestDelete(t *testing.T) {
	s, _ := openTestStore(t)

	require.NoError(t, s.Put(BucketCredentials, "remote", "secret"))
	require.NoError(t, s.Delete(BucketCredentials, "remote"))
	require.NoError(t, s.Delete(BucketCredentials, "remote"))

	var v string
	found, err := s.Get(BucketCredentials, "remote", &v)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUnknownBucket(t *testing.T) {
	s, _ := openTestStore(t)

	var v string
	_, err := s.Get("nope", "k", &v)
	assert.ErrorIs(t, err, ErrUnknownBucket)
	assert.ErrorIs(t, s.Put("nope", "k", v), ErrUnknownBucket)
}

func TestProviderKind_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	s, err := Open(path)
	require.NoError(t, err)

	kind, err := s.ProviderKind()
	require.NoError(t, err)
	assert.Empty(t, kind)

	require.NoError(t, s.SetProviderKind("remote"))
	require.NoError(t, s.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	kind, err = reopened.ProviderKind()
	require.NoError(t, err)
	assert.Equal(t, "remote", kind)
}
