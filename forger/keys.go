package forger

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/Demosthene27/valois-sdk/types"
)

const (
	keyDerivationIterations = 4096
	keySaltSize             = 8
)

// EncryptPassphrase seals a delegate passphrase under a password using
// AES-GCM with a PBKDF2-derived key. The result is salt-nonce-ciphertext
// in hex, suitable for the node config file.
func EncryptPassphrase(password, passphrase string) (string, error) {
	if password == "" {
		return "", types.ErrWrongPassword
	}
	salt := make([]byte, keySaltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}

	gcm, err := passphraseCipher(password, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	sealed := gcm.Seal(nil, nonce, []byte(passphrase), nil)
	return strings.Join([]string{
		hex.EncodeToString(salt),
		hex.EncodeToString(nonce),
		hex.EncodeToString(sealed),
	}, "-"), nil
}

// DecryptPassphrase reverses EncryptPassphrase. A wrong password surfaces
// as ErrWrongPassword since GCM authentication fails; a malformed envelope
// surfaces as ErrWrongPassword too.
func DecryptPassphrase(password, encrypted string) (string, error) {
	parts := strings.Split(encrypted, "-")
	if len(parts) != 3 {
		return "", fmt.Errorf("expected salt-nonce-ciphertext: %w", types.ErrWrongPassword)
	}
	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %v: %w", err, types.ErrWrongPassword)
	}
	nonce, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode nonce: %v: %w", err, types.ErrWrongPassword)
	}
	sealed, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %v: %w", err, types.ErrWrongPassword)
	}

	gcm, err := passphraseCipher(password, salt)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("bad nonce size: %w", types.ErrWrongPassword)
	}
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", types.ErrWrongPassword
	}
	return string(plaintext), nil
}

func passphraseCipher(password string, salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, keyDerivationIterations, 32, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// KeyFromPassphrase derives the delegate's signing key deterministically
// from its passphrase.
func KeyFromPassphrase(passphrase string) ed25519.PrivateKey {
	seed := sha256.Sum256([]byte(passphrase))
	return ed25519.NewKeyFromSeed(seed[:])
}
