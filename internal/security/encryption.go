package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// The license cache is bound to the machine by deriving the encryption key
// from the hardware fingerprint. A copied cache file is unreadable elsewhere
// because the key derivation fails to reproduce. This is the anti-tamper
// property, not a performance optimization.

// Blob layout: magic (4) | version (1) | salt (32) | nonce (12) | ciphertext+tag.
const (
	blobMagic   = "PSL1"
	blobVersion = 1
	saltSize    = 32
	nonceSize   = 12

	// scrypt parameters, OWASP recommended minimums for AES-256 keys.
	scryptN      = 32768
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// ErrUndecryptable is returned when a blob cannot be authenticated with the
// key derived from the supplied fingerprint. Callers treat it as a cache
// miss, never as garbage data.
var ErrUndecryptable = errors.New("blob cannot be decrypted with this machine's key")

// EncryptBlob seals plaintext under a key derived from the fingerprint
// digest. A fresh random salt and nonce are used on every call.
func EncryptBlob(plaintext []byte, fingerprintDigest string) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("plaintext cannot be empty")
	}
	if len(fingerprintDigest) != FingerprintLength {
		return nil, fmt.Errorf("fingerprint digest must be %d hex chars, got %d",
			FingerprintLength, len(fingerprintDigest))
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := deriveKey(fingerprintDigest, salt)
	if err != nil {
		return nil, err
	}
	defer wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, []byte(blobMagic))

	blob := make([]byte, 0, len(blobMagic)+1+saltSize+nonceSize+len(ciphertext))
	blob = append(blob, blobMagic...)
	blob = append(blob, blobVersion)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, ciphertext...)
	return blob, nil
}

// DecryptBlob opens a sealed blob with the key derived from the fingerprint
// digest. Any structural damage, version mismatch, or authentication failure
// yields ErrUndecryptable so the caller fails closed.
func DecryptBlob(blob []byte, fingerprintDigest string) ([]byte, error) {
	header := len(blobMagic) + 1 + saltSize + nonceSize
	if len(blob) <= header {
		return nil, ErrUndecryptable
	}
	if string(blob[:len(blobMagic)]) != blobMagic {
		return nil, ErrUndecryptable
	}
	if blob[len(blobMagic)] != blobVersion {
		return nil, ErrUndecryptable
	}

	salt := blob[len(blobMagic)+1 : len(blobMagic)+1+saltSize]
	nonce := blob[len(blobMagic)+1+saltSize : header]
	ciphertext := blob[header:]

	key, err := deriveKey(fingerprintDigest, salt)
	if err != nil {
		return nil, ErrUndecryptable
	}
	defer wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrUndecryptable
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrUndecryptable
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(blobMagic))
	if err != nil {
		return nil, ErrUndecryptable
	}
	return plaintext, nil
}

// deriveKey stretches the fingerprint digest into an AES-256 key. scrypt (a
// real KDF, not a raw hash) keeps a copied cache file expensive to brute
// force even if the fingerprint inputs are partially guessable.
func deriveKey(fingerprintDigest string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(fingerprintDigest), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	return key, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
