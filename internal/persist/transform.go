package persist

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

// Transform rewrites serialized slice values on their way to storage
// (Encode) and back (Decode). Transforms are applied in order when writing
// and in reverse order when reading.
type Transform interface {
	Encode(key, data string) (string, error)
	Decode(key, data string) (string, error)
}

// ErrDecrypt is returned when a stored value cannot be decrypted, which
// usually means the secret changed.
var ErrDecrypt = errors.New("persist: cannot decrypt stored value")

type encryptTransform struct {
	aead cipher.AEAD
}

// EncryptTransform encrypts values with AES-256-GCM. The key is the SHA-256
// digest of secret. Output is base64(nonce || ciphertext).
func EncryptTransform(secret string) (Transform, error) {
	if secret == "" {
		return nil, errors.New("persist: encryption secret must not be empty")
	}
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("persist: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("persist: gcm: %w", err)
	}
	return &encryptTransform{aead: aead}, nil
}

func (t *encryptTransform) Encode(key, data string) (string, error) {
	nonce := make([]byte, t.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("persist: nonce: %w", err)
	}
	sealed := t.aead.Seal(nonce, nonce, []byte(data), []byte(key))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (t *encryptTransform) Decode(key, data string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	n := t.aead.NonceSize()
	if len(raw) < n {
		return "", fmt.Errorf("%w: value too short", ErrDecrypt)
	}
	plain, err := t.aead.Open(nil, raw[:n], raw[n:], []byte(key))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

func encode(transforms []Transform, key, data string) (string, error) {
	for _, t := range transforms {
		var err error
		if data, err = t.Encode(key, data); err != nil {
			return "", err
		}
	}
	return data, nil
}

func decode(transforms []Transform, key, data string) (string, error) {
	for i := len(transforms) - 1; i >= 0; i-- {
		var err error
		if data, err = transforms[i].Decode(key, data); err != nil {
			return "", err
		}
	}
	return data, nil
}
