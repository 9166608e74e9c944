package secretgate

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const macInfo = "deskhost env mac"

// Envelope is the on-disk form of an encrypted configuration file.
// IV and Content are hex-encoded AES-256-CTR fields keyed by SHA-256(secret);
// MAC is required on open.
type Envelope struct {
	IV      string `json:"iv"`
	Content string `json:"content"`
	MAC     string `json:"mac,omitempty"`
}

// Seal encrypts plaintext under secret and returns the JSON envelope.
// randReader may be nil, in which case crypto/rand is used.
func Seal(secret string, plaintext []byte, randReader io.Reader) ([]byte, error) {
	if secret == "" {
		return nil, ErrSecretKeyMissing
	}
	if randReader == nil {
		randReader = rand.Reader
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(randReader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	stream, err := newStream(secret, iv)
	if err != nil {
		return nil, err
	}
	content := make([]byte, len(plaintext))
	stream.XORKeyStream(content, plaintext)

	mac, err := computeMAC(secret, iv, content)
	if err != nil {
		return nil, err
	}

	return json.Marshal(Envelope{
		IV:      hex.EncodeToString(iv),
		Content: hex.EncodeToString(content),
		MAC:     hex.EncodeToString(mac),
	})
}

// Open verifies and decrypts a JSON envelope.
// Structural problems return ErrMalformedEnvelope; a MAC mismatch (wrong key
// or tampered ciphertext) returns ErrIntegrity.
func Open(secret string, data []byte) ([]byte, error) {
	if secret == "" {
		return nil, ErrSecretKeyMissing
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}

	iv, err := hex.DecodeString(env.IV)
	if err != nil || len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: iv must be %d hex-encoded bytes", ErrMalformedEnvelope, aes.BlockSize)
	}
	content, err := hex.DecodeString(env.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: content is not hex: %v", ErrMalformedEnvelope, err)
	}
	if env.MAC == "" {
		return nil, fmt.Errorf("%w: missing mac", ErrMalformedEnvelope)
	}
	mac, err := hex.DecodeString(env.MAC)
	if err != nil {
		return nil, fmt.Errorf("%w: mac is not hex: %v", ErrMalformedEnvelope, err)
	}

	expected, err := computeMAC(secret, iv, content)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(mac, expected) {
		return nil, ErrIntegrity
	}

	stream, err := newStream(secret, iv)
	if err != nil {
		return nil, err
	}
	plaintext := make([]byte, len(content))
	stream.XORKeyStream(plaintext, content)

	return plaintext, nil
}

// newStream builds AES-256-CTR keyed with SHA-256(secret)
func newStream(secret string, iv []byte) (cipher.Stream, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewCTR(block, iv), nil
}

func computeMAC(secret string, iv, content []byte) ([]byte, error) {
	macKey := make([]byte, sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(macInfo)), macKey); err != nil {
		return nil, fmt.Errorf("derive mac key: %w", err)
	}

	h := hmac.New(sha256.New, macKey)
	h.Write(iv)
	h.Write(content)
	return h.Sum(nil), nil
}
