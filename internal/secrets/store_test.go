package secrets

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// fastKDF keeps argon2 cheap in tests.
var fastKDF = KDFParams{Time: 1, Memory: 1024, Threads: 1}

func newTestStore(t *testing.T, passphrase string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "credentials.enc")
	s := NewStore(path, []byte(passphrase), zaptest.NewLogger(t), WithKDFParams(fastKDF))
	t.Cleanup(s.Close)
	return s
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s := newTestStore(t, "correct horse")
	assert.False(t, s.Exists())

	require.NoError(t, s.Save(Credentials{Username: "student", Password: []byte("s3cret")}))
	assert.True(t, s.Exists())

	c, err := s.Load()
	require.NoError(t, err)
	defer c.Wipe()
	assert.Equal(t, "student", c.Username)
	assert.Equal(t, []byte("s3cret"), c.Password)
}

func TestStore_FileIsEncryptedAndPrivate(t *testing.T) {
	s := newTestStore(t, "correct horse")
	require.NoError(t, s.Save(Credentials{Username: "student", Password: []byte("s3cret-password")}))

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "s3cret-password")
	assert.NotContains(t, string(raw), "student")

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStore_WrongPassphrase(t *testing.T) {
	s := newTestStore(t, "correct horse")
	require.NoError(t, s.Save(Credentials{Username: "student", Password: []byte("pw")}))

	other := NewStore(s.Path(), []byte("battery staple"), zaptest.NewLogger(t))
	defer other.Close()
	_, err := other.Load()
	assert.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestStore_TamperedFile(t *testing.T) {
	s := newTestStore(t, "correct horse")
	require.NoError(t, s.Save(Credentials{Username: "student", Password: []byte("pw")}))

	raw, err := os.ReadFile(s.Path())
	require.NoError(t, err)

	t.Run("ciphertext flip", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[len(bad)-1] ^= 0xff
		require.NoError(t, os.WriteFile(s.Path(), bad, 0o600))
		_, err := s.Load()
		assert.ErrorIs(t, err, ErrWrongPassphrase)
	})

	t.Run("header flip is authenticated", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		bad[len(magic)+10] ^= 0x01 // inside the salt
		require.NoError(t, os.WriteFile(s.Path(), bad, 0o600))
		_, err := s.Load()
		assert.ErrorIs(t, err, ErrWrongPassphrase)
	})

	t.Run("excessive memory cost is rejected before derivation", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		binary.BigEndian.PutUint32(bad[len(magic)+4:], 0xffffffff)
		require.NoError(t, os.WriteFile(s.Path(), bad, 0o600))

		start := time.Now()
		_, err := s.Load()
		assert.ErrorIs(t, err, ErrCorrupt)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("excessive passes are rejected", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		binary.BigEndian.PutUint32(bad[len(magic):], maxKDFTime+1)
		require.NoError(t, os.WriteFile(s.Path(), bad, 0o600))
		_, err := s.Load()
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("not a credential file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(s.Path(), []byte("username=student\npassword=pw\n"), 0o600))
		_, err := s.Load()
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestStore_LoadMissing(t *testing.T) {
	s := newTestStore(t, "pw")
	_, err := s.Load()
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AcquireWipesAfterUse(t *testing.T) {
	s := newTestStore(t, "correct horse")
	require.NoError(t, s.Save(Credentials{Username: "student", Password: []byte("s3cret")}))

	var seen []byte
	fnErr := errors.New("login failed")
	err := s.Acquire(func(c Credentials) error {
		assert.Equal(t, "s3cret", string(c.Password))
		seen = c.Password
		return fnErr
	})

	assert.ErrorIs(t, err, fnErr)
	assert.Equal(t, make([]byte, len("s3cret")), seen, "password must be zeroed once the scope ends")
}

func TestStore_AcquireMissing(t *testing.T) {
	s := newTestStore(t, "pw")
	called := false
	err := s.Acquire(func(Credentials) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, called)
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t, "pw")
	require.NoError(t, s.Save(Credentials{Username: "u", Password: []byte("p")}))
	require.NoError(t, s.Delete())
	assert.False(t, s.Exists())
	assert.NoError(t, s.Delete(), "deleting twice is fine")
}

func TestStore_EmptyPassphraseRejected(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "c.enc"), nil, zaptest.NewLogger(t), WithKDFParams(fastKDF))
	err := s.Save(Credentials{Username: "u", Password: []byte("p")})
	assert.Error(t, err)
}

func TestStore_CloseWipesPassphrase(t *testing.T) {
	pass := []byte("correct horse")
	s := NewStore(filepath.Join(t.TempDir(), "c.enc"), pass, zaptest.NewLogger(t))
	inner := s.passphrase
	s.Close()
	assert.Equal(t, make([]byte, len(pass)), inner)
	assert.Equal(t, []byte("correct horse"), pass, "caller's slice is not touched")
}
