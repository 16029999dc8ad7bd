// Package crypto provides the control plane's envelope encryption for
// provider credentials (AES-GCM, per-user key wrapped by a master key) and
// HMAC-based approval-token hashing.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// deriveKey generates a valid AES key from a given string. It first tries to
// hex-decode keyString into a valid AES key length (16/24/32 bytes); failing
// that it falls back to the SHA-256 hash of the string as a 32-byte key.
func deriveKey(keyString string) ([]byte, error) {
	if decoded, err := hex.DecodeString(keyString); err == nil {
		switch len(decoded) {
		case 16, 24, 32:
			return decoded, nil
		}
	}
	hash := sha256.Sum256([]byte(keyString))
	return hash[:], nil
}

// Encrypt encrypts a string using AES-GCM with a given key string. The
// output is a hex-encoded string containing the nonce and the ciphertext.
func Encrypt(stringToEncrypt string, keyString string) (string, error) {
	key, err := deriveKey(keyString)
	if err != nil {
		return "", fmt.Errorf("failed to derive key: %w", err)
	}
	plaintext := []byte(stringToEncrypt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create AES cipher block: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM cipher: %w", err)
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aesGCM.Seal(nonce, nonce, plaintext, nil)
	return hex.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a hex-encoded string produced by Encrypt.
func Decrypt(encryptedString string, keyString string) (string, error) {
	key, err := deriveKey(keyString)
	if err != nil {
		return "", fmt.Errorf("failed to derive key: %w", err)
	}

	enc, err := hex.DecodeString(encryptedString)
	if err != nil {
		return "", fmt.Errorf("failed to decode hex string: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create AES cipher block: %w", err)
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM cipher: %w", err)
	}

	nonceSize := aesGCM.NonceSize()
	if len(enc) < nonceSize {
		return "", errors.New("ciphertext is too short")
	}

	nonce, ciphertext := enc[:nonceSize], enc[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt data: %w", err)
	}

	return string(plaintext), nil
}

// GenerateUserKey returns a fresh random 32-byte per-user key, hex-encoded.
// Callers store only WrapUserKey's output; this plaintext value is held in
// memory just long enough to encrypt the first credential and wrap itself.
func GenerateUserKey() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("failed to generate user key: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// WrapUserKey encrypts a per-user key under the process master key, for
// storage in ProviderCredential.WrappedUserKey.
func WrapUserKey(userKeyHex string, masterKey string) (string, error) {
	return Encrypt(userKeyHex, masterKey)
}

// UnwrapUserKey recovers a per-user key previously produced by WrapUserKey.
func UnwrapUserKey(wrapped string, masterKey string) (string, error) {
	return Decrypt(wrapped, masterKey)
}

// GenerateApprovalToken returns a fresh cryptographically random bearer
// token for an approval request, hex-encoded so it is transport-safe.
func GenerateApprovalToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("failed to generate approval token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// HashApprovalToken computes HMAC-SHA256(masterKey, token), hex-encoded, for
// storage as ApprovalRequest.TokenHash. Only this hash is ever persisted;
// the plaintext token is returned to the caller exactly once, at creation.
func HashApprovalToken(token string, masterKey string) string {
	mac := hmac.New(sha256.New, []byte(masterKey))
	mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyApprovalToken reports whether token hashes to wantHash under
// masterKey, using a constant-time comparison to avoid timing side channels.
func VerifyApprovalToken(token string, masterKey string, wantHash string) bool {
	got := HashApprovalToken(token, masterKey)
	return hmac.Equal([]byte(got), []byte(wantHash))
}
