package kv

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)

	_, ok := s.Get("missing")
	assert.False(t, ok)

	require.NoError(t, s.Set("audio_output_device", "spk-2"))
	v, ok := s.Get("audio_output_device")
	require.True(t, ok)
	assert.Equal(t, "spk-2", v)

	// Values survive a reopen.
	s2, err := Open(dir)
	require.NoError(t, err)
	v, ok = s2.Get("audio_output_device")
	require.True(t, ok)
	assert.Equal(t, "spk-2", v)

	require.NoError(t, s2.Delete("audio_output_device"))
	_, ok = s2.Get("audio_output_device")
	assert.False(t, ok)

	s3, err := Open(dir)
	require.NoError(t, err)
	_, ok = s3.Get("audio_output_device")
	assert.False(t, ok)
}

func TestStoreToleratesCorruption(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, storeFile), []byte("not msgpack"), 0o644))

	s, err := Open(dir)
	require.NoError(t, err)

	_, ok := s.Get("anything")
	assert.False(t, ok)
	require.NoError(t, s.Set("k", "v"))
}

func TestStoreCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Set("k", "v"))

	_, err = os.Stat(filepath.Join(dir, storeFile))
	assert.NoError(t, err)
}
