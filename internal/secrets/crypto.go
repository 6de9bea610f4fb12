package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/cyberphone/json-canonicalization/go/src/webpki.org/jsoncanonicalizer"
)

var ErrMissingEncryptionKey = errors.New("missing encryption key")

func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsoncanonicalizer.Transform(raw)
}

func CanonicalizeJSONBytes(raw []byte) ([]byte, error) {
	return jsoncanonicalizer.Transform(raw)
}

func EncryptForDB(encryptionKey string, plaintext []byte) ([]byte, error) {
	encryptionKey = strings.TrimSpace(encryptionKey)
	if encryptionKey == "" {
		return nil, ErrMissingEncryptionKey
	}
	k := sha256.Sum256([]byte(encryptionKey))

	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	out := gcm.Seal(nil, nonce, plaintext, nil)
	// DB blob format: nonce || ciphertext
	return append(nonce, out...), nil
}

func DecryptFromDB(encryptionKey string, blob []byte) ([]byte, error) {
	encryptionKey = strings.TrimSpace(encryptionKey)
	if encryptionKey == "" {
		return nil, ErrMissingEncryptionKey
	}
	k := sha256.Sum256([]byte(encryptionKey))

	block, err := aes.NewCipher(k[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce := blob[:gcm.NonceSize()]
	ciphertext := blob[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

func NewRandomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
