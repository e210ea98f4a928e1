// Package secrets keeps the portal username and password encrypted at rest.
//
// The file layout is a fixed header followed by the sealed payload:
//
//	magic(4) | argon2 time(4) | memory KiB(4) | threads(1) | salt(16) | nonce(24) | ciphertext
//
// The key is derived from a passphrase with argon2id and the payload is sealed
// with XChaCha20-Poly1305, using the header as additional data.
package secrets

import (
	"bytes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrNotFound is returned when no credential file exists.
	ErrNotFound = errors.New("no stored credentials")
	// ErrWrongPassphrase is returned when the file cannot be opened with the
	// given passphrase, or was tampered with.
	ErrWrongPassphrase = errors.New("stored credentials could not be decrypted")
	// ErrCorrupt is returned for files that are not credential stores.
	ErrCorrupt = errors.New("credential file is corrupt")
)

var magic = [4]byte{'P', 'L', 'C', '1'}

const (
	saltLen   = 16
	keyLen    = chacha20poly1305.KeySize
	headerLen = len(magic) + 4 + 4 + 1 + saltLen + chacha20poly1305.NonceSizeX

	// The header is read before it is authenticated, so its cost is capped.
	maxKDFTime   = 10
	maxKDFMemory = 1024 * 1024 // KiB
)

// KDFParams are the argon2id cost parameters.
type KDFParams struct {
	Time    uint32
	Memory  uint32 // KiB
	Threads uint8
}

// DefaultKDFParams follows the argon2 RFC's second recommended option.
var DefaultKDFParams = KDFParams{Time: 3, Memory: 64 * 1024, Threads: 4}

// Credentials is a portal login. Password is a byte slice so it can be wiped.
type Credentials struct {
	Username string `json:"username"`
	Password []byte `json:"password"`
}

// Wipe zeroes the password in place.
func (c *Credentials) Wipe() {
	if c == nil {
		return
	}
	wipe(c.Password)
	c.Password = nil
}

// Store is an encrypted credential file.
type Store struct {
	path       string
	passphrase []byte
	params     KDFParams
	logger     *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithKDFParams overrides the key derivation cost for new files.
func WithKDFParams(p KDFParams) Option {
	return func(s *Store) { s.params = p }
}

// NewStore opens the store at path. The passphrase is copied and wiped by Close.
func NewStore(path string, passphrase []byte, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{
		path:       path,
		passphrase: append([]byte(nil), passphrase...),
		params:     DefaultKDFParams,
		logger:     logger.Named("secrets"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the credential file location.
func (s *Store) Path() string { return s.path }

// Exists reports whether a credential file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Save encrypts and writes c, replacing any previous file.
func (s *Store) Save(c Credentials) error {
	plain, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}
	defer wipe(plain)

	header := make([]byte, 0, headerLen)
	header = append(header, magic[:]...)
	header = binary.BigEndian.AppendUint32(header, s.params.Time)
	header = binary.BigEndian.AppendUint32(header, s.params.Memory)
	header = append(header, s.params.Threads)

	salt := make([]byte, saltLen)
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	header = append(header, salt...)
	header = append(header, nonce...)

	aead, err := s.aead(salt, s.params)
	if err != nil {
		return err
	}
	sealed := aead.Seal(bytes.Clone(header), nonce, plain, header)

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("failed to create credential directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write credential file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace credential file: %w", err)
	}
	s.logger.Info("Credentials saved", zap.String("path", s.path), zap.String("username", c.Username))
	return nil
}

// Load decrypts the stored credentials. The caller must Wipe the result.
func (s *Store) Load() (*Credentials, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}
	if len(data) < headerLen+chacha20poly1305.Overhead || !bytes.Equal(data[:len(magic)], magic[:]) {
		return nil, ErrCorrupt
	}

	header := data[:headerLen]
	off := len(magic)
	params := KDFParams{
		Time:    binary.BigEndian.Uint32(header[off:]),
		Memory:  binary.BigEndian.Uint32(header[off+4:]),
		Threads: header[off+8],
	}
	off += 9
	salt := header[off : off+saltLen]
	nonce := header[off+saltLen:]

	if params.Time == 0 || params.Threads == 0 {
		return nil, ErrCorrupt
	}
	if params.Time > maxKDFTime || params.Memory > maxKDFMemory {
		return nil, fmt.Errorf("%w: key derivation cost %d passes of %d KiB is above the limit", ErrCorrupt, params.Time, params.Memory)
	}

	aead, err := s.aead(salt, params)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, nonce, data[headerLen:], header)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	defer wipe(plain)

	var c Credentials
	if err := json.Unmarshal(plain, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return &c, nil
}

// Acquire loads the credentials, passes them to fn and wipes them when fn
// returns, whatever the outcome.
func (s *Store) Acquire(fn func(Credentials) error) error {
	c, err := s.Load()
	if err != nil {
		return err
	}
	defer c.Wipe()
	return fn(*c)
}

// Delete removes the credential file. Deleting a missing file is not an error.
func (s *Store) Delete() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete credential file: %w", err)
	}
	s.logger.Info("Stored credentials deleted", zap.String("path", s.path))
	return nil
}

// Close wipes the passphrase held by the store.
func (s *Store) Close() {
	wipe(s.passphrase)
	s.passphrase = nil
}

func (s *Store) aead(salt []byte, p KDFParams) (cipher.AEAD, error) {
	if len(s.passphrase) == 0 {
		return nil, errors.New("credential store passphrase is empty")
	}
	key := argon2.IDKey(s.passphrase, salt, p.Time, p.Memory, p.Threads, keyLen)
	defer wipe(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	return aead, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
