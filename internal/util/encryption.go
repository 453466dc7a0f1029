package util

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	MasterKeySize        = 32
	SaltSize             = 16
	DefaultKDFIterations = 10000
)

// Sealed blobs start with a version byte and the PBKDF2 iteration count
// (uint32, big endian) so KDF_ITERATIONS can change without stranding
// existing keys. The header is authenticated as GCM additional data.
const (
	blobVersion       = 1
	blobHeaderSize    = 5
	maxBlobIterations = 1 << 22
)

// ErrAuthenticationFailure is returned when a master key blob cannot be
// opened: wrong password, wrong salt, or tampered ciphertext.
var ErrAuthenticationFailure = errors.New("master key authentication failed")

// DeriveKey stretches a password into an AES-256 key with PBKDF2-HMAC-SHA512.
func DeriveKey(password string, salt []byte, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultKDFIterations
	}
	return pbkdf2.Key([]byte(password), salt, iterations, MasterKeySize, sha512.New)
}

func GenerateSalt() ([]byte, error) {
	return randomBytes(SaltSize)
}

func GenerateMasterKey() ([]byte, error) {
	return randomBytes(MasterKeySize)
}

// EncryptMasterKey seals masterKey under a key derived from (password, salt).
// The result is version || iterations || nonce || AES-256-GCM ciphertext.
func EncryptMasterKey(masterKey []byte, password string, salt []byte, iterations int) ([]byte, error) {
	if len(masterKey) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(masterKey))
	}
	if iterations <= 0 {
		iterations = DefaultKDFIterations
	}
	if iterations > maxBlobIterations {
		return nil, fmt.Errorf("iteration count %d exceeds %d", iterations, maxBlobIterations)
	}

	gcm, err := newGCM(DeriveKey(password, salt, iterations))
	if err != nil {
		return nil, err
	}

	header := make([]byte, blobHeaderSize, blobHeaderSize+gcm.NonceSize()+MasterKeySize+gcm.Overhead())
	header[0] = blobVersion
	binary.BigEndian.PutUint32(header[1:], uint32(iterations))

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	blob := append(header, nonce...)
	return gcm.Seal(blob, nonce, masterKey, header), nil
}

// DecryptMasterKey reverses EncryptMasterKey, taking the iteration count
// from the blob header. Blobs sealed before the header existed are opened
// with iterations. Any failure to authenticate the blob is reported as
// ErrAuthenticationFailure.
func DecryptMasterKey(blob []byte, password string, salt []byte, iterations int) ([]byte, error) {
	if n, ok := blobIterations(blob); ok {
		plaintext, err := openBlob(blob[blobHeaderSize:], blob[:blobHeaderSize], password, salt, n)
		if err == nil || !errors.Is(err, ErrAuthenticationFailure) {
			return plaintext, err
		}
	}
	return openBlob(blob, nil, password, salt, iterations)
}

func blobIterations(blob []byte) (int, bool) {
	if len(blob) < blobHeaderSize || blob[0] != blobVersion {
		return 0, false
	}
	n := binary.BigEndian.Uint32(blob[1:blobHeaderSize])
	if n == 0 || n > maxBlobIterations {
		return 0, false
	}
	return int(n), true
}

func openBlob(sealed, additionalData []byte, password string, salt []byte, iterations int) ([]byte, error) {
	gcm, err := newGCM(DeriveKey(password, salt, iterations))
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize+gcm.Overhead() {
		return nil, ErrAuthenticationFailure
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrAuthenticationFailure
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}
