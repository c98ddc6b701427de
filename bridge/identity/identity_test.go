package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenGeneratesOnFirstStart(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)

	pub := s.PublicIdentity()
	assert.Len(t, pub.ServerID, 8)
	assert.Equal(t, "Bridge Server", pub.ServerName)
	assert.NotEmpty(t, pub.PublicKey)
	assert.NotEmpty(t, s.RelayRoomID())

	_, err = os.Stat(filepath.Join(dir, identityFile))
	assert.NoError(t, err)
}

func TestOpenIsStableAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first, err := Open(dir)
	require.NoError(t, err)
	second, err := Open(dir)
	require.NoError(t, err)

	assert.Equal(t, first.ServerID(), second.ServerID())
	assert.Equal(t, first.RelayRoomID(), second.RelayRoomID())
	assert.Equal(t, first.PublicIdentity().PublicKey, second.PublicIdentity().PublicKey)
}

func TestOpenRegeneratesOnCorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, identityFile), []byte("not json"), 0600))

	s, err := Open(dir)
	require.NoError(t, err)
	assert.Len(t, s.ServerID(), 8)

	// The corrupt file was overwritten with a valid one.
	again, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, s.ServerID(), again.ServerID())
}

func TestSetServerNamePersists(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	s.SetServerName("Living Room")

	again, err := Open(dir)
	require.NoError(t, err)
	assert.Equal(t, "Living Room", again.ServerName())
	assert.Equal(t, s.ServerID(), again.ServerID())
}
