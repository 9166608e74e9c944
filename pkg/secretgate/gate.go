// Package secretgate decrypts the backend's encrypted configuration into the
// plaintext file the backend reads at startup.
//
// The gate fails closed: a missing key, a missing ciphertext, a malformed
// envelope or a failed integrity check all abort startup before the backend
// is spawned. Provisioning is idempotent; running it again rewrites the
// plaintext from the same inputs.
package secretgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// DefaultKeyEnv is the environment variable holding the secret key
const DefaultKeyEnv = "ENV_SECRET_KEY"

var (
	// ErrSecretKeyMissing means the key environment variable is unset or empty
	ErrSecretKeyMissing = errors.New("secret key is not set")

	// ErrCiphertextMissing means the encrypted configuration file does not exist
	ErrCiphertextMissing = errors.New("encrypted configuration not found")

	// ErrMalformedEnvelope means the encrypted file is not a valid envelope
	ErrMalformedEnvelope = errors.New("malformed encrypted configuration")

	// ErrIntegrity means the envelope failed authentication (wrong key or tampering)
	ErrIntegrity = errors.New("encrypted configuration failed integrity check")
)

// Config locates the gate's inputs and output
type Config struct {
	// KeyEnv names the environment variable holding the secret key
	KeyEnv string

	// CiphertextPath is the encrypted envelope (e.g. backend/.env.enc)
	CiphertextPath string

	// PlaintextPath is where the decrypted configuration is written (e.g. backend/.env)
	PlaintextPath string
}

// Gate provisions the plaintext configuration
type Gate struct {
	config    Config
	lookupEnv func(string) (string, bool)
	logger    *slog.Logger
}

// Option configures a Gate
type Option func(*Gate)

// WithLookupEnv replaces os.LookupEnv
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(g *Gate) {
		g.lookupEnv = fn
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

// New creates a gate
func New(config Config, opts ...Option) *Gate {
	if config.KeyEnv == "" {
		config.KeyEnv = DefaultKeyEnv
	}

	g := &Gate{
		config:    config,
		lookupEnv: os.LookupEnv,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Config returns the gate configuration
func (g *Gate) Config() Config {
	return g.config
}

// Provision decrypts the ciphertext and writes the plaintext file.
// The plaintext is replaced atomically so the backend never reads a partial file.
func (g *Gate) Provision(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	secret, ok := g.lookupEnv(g.config.KeyEnv)
	if !ok || secret == "" {
		return fmt.Errorf("%w: %s", ErrSecretKeyMissing, g.config.KeyEnv)
	}

	data, err := os.ReadFile(g.config.CiphertextPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrCiphertextMissing, g.config.CiphertextPath)
		}
		return fmt.Errorf("read encrypted configuration: %w", err)
	}

	plaintext, err := Open(secret, data)
	if err != nil {
		return fmt.Errorf("decrypt %s: %w", g.config.CiphertextPath, err)
	}

	if err := writeFileAtomic(g.config.PlaintextPath, plaintext, 0600); err != nil {
		return fmt.Errorf("write plaintext configuration: %w", err)
	}

	g.logger.Info("provisioned backend configuration",
		"ciphertext", g.config.CiphertextPath,
		"plaintext", g.config.PlaintextPath,
		"bytes", len(plaintext))

	return nil
}

// SealFile encrypts src under secret and writes the envelope to dst
func SealFile(src, dst, secret string) error {
	plaintext, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read %s: %w", src, err)
	}

	envelope, err := Seal(secret, plaintext, nil)
	if err != nil {
		return err
	}

	return writeFileAtomic(dst, envelope, 0644)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
