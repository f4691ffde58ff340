package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"filippo.io/age"
)

var ErrEmptyCiphertext = errors.New("crypto: empty ciphertext")

// Encryptor seals provider credentials (channel access tokens) at rest with a
// single age X25519 identity.
type Encryptor struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewEncryptor parses an AGE-SECRET-KEY identity. An empty key generates a
// throwaway identity, which only makes sense in development: anything sealed
// with it is unreadable after a restart.
func NewEncryptor(key string) (*Encryptor, error) {
	var (
		identity *age.X25519Identity
		err      error
	)
	if key == "" {
		identity, err = age.GenerateX25519Identity()
		if err != nil {
			return nil, fmt.Errorf("generating identity: %w", err)
		}
	} else {
		identity, err = age.ParseX25519Identity(key)
		if err != nil {
			return nil, fmt.Errorf("parsing identity: %w", err)
		}
	}

	return &Encryptor{
		identity:  identity,
		recipient: identity.Recipient(),
	}, nil
}

// GenerateKey returns a new identity string suitable for ENCRYPTION_KEY.
func GenerateKey() (string, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return "", fmt.Errorf("generating identity: %w", err)
	}
	return identity.String(), nil
}

func (e *Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer

	w, err := age.Encrypt(&buf, e.recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing encryptor: %w", err)
	}

	return buf.Bytes(), nil
}

func (e *Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) == 0 {
		return nil, ErrEmptyCiphertext
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), e.identity)
	if err != nil {
		return nil, fmt.Errorf("creating decryptor: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading plaintext: %w", err)
	}
	return plaintext, nil
}

// EncryptString returns base64 ciphertext for storage in a text column.
func (e *Encryptor) EncryptString(plaintext string) (string, error) {
	sealed, err := e.Encrypt([]byte(plaintext))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (e *Encryptor) DecryptString(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding base64: %w", err)
	}
	plaintext, err := e.Decrypt(raw)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// RandomToken returns n random bytes, URL-safe base64 encoded without padding.
func RandomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken is the lookup form of a bearer secret such as an invitation token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
