// Package secrets keeps provider credentials (LLM keys, GitHub tokens, mail
// app passwords) encrypted at rest with AES-256-GCM. The key is derived from a
// master secret with PBKDF2-SHA-256.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rahul/agentichq/internal/store"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/singleflight"
)

const (
	encryptedPrefix  = "ENC:"
	pbkdf2Iterations = 210000
	keySize          = 32
	previewLength    = 6

	// DevelopmentMasterSecret is used when no master secret is configured.
	DevelopmentMasterSecret = "fallback-key-for-development-only"
)

// salt is fixed per installation format; the master secret is the entropy.
var salt = []byte("agentichq.secrets.v1")

var (
	ErrDecrypt      = errors.New("decrypt secret: authentication failed")
	ErrInvalidValue = errors.New("invalid encrypted value")
)

// Store is the persistence needed by the service.
type Store interface {
	GetSecret(ctx context.Context, provider string) (*store.Secret, error)
	PutSecret(ctx context.Context, provider, encryptedKey, preview string) error
	DeleteSecret(ctx context.Context, provider string) (bool, error)
}

// Status describes whether a provider has a usable key.
type Status struct {
	HasKey     bool       `json:"hasKey"`
	Source     string     `json:"source,omitempty"` // store or env
	KeyPreview string     `json:"keyPreview,omitempty"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
}

// Service resolves provider keys: cache, then store, then environment.
type Service struct {
	store  Store
	aead   cipher.AEAD
	lookup func(string) (string, bool)

	mu    sync.RWMutex
	cache map[string]string
	group singleflight.Group
}

// NewService derives the encryption key from masterSecret. An empty secret
// falls back to DevelopmentMasterSecret with a warning.
func NewService(st Store, masterSecret string) (*Service, error) {
	if masterSecret == "" {
		log.Println("WARNING: using fallback master secret; set a master secret for production")
		masterSecret = DevelopmentMasterSecret
	}

	key := pbkdf2.Key([]byte(masterSecret), salt, pbkdf2Iterations, keySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}

	return &Service{
		store:  st,
		aead:   aead,
		lookup: os.LookupEnv,
		cache:  make(map[string]string),
	}, nil
}

// WithEnv replaces the environment lookup, mainly for tests.
func (s *Service) WithEnv(lookup func(string) (string, bool)) *Service {
	s.lookup = lookup
	return s
}

func (s *Service) encrypt(plaintext string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Service) decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, encryptedPrefix) {
		return "", ErrInvalidValue
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encryptedPrefix))
	if err != nil {
		return "", ErrInvalidValue
	}
	ns := s.aead.NonceSize()
	if len(raw) < ns+s.aead.Overhead() {
		return "", ErrInvalidValue
	}
	plain, err := s.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// GetKey returns the key for provider, or "" when none is configured.
// Concurrent misses for the same provider share one store read.
func (s *Service) GetKey(ctx context.Context, provider string) (string, error) {
	provider = strings.ToLower(provider)

	s.mu.RLock()
	key, ok := s.cache[provider]
	s.mu.RUnlock()
	if ok {
		return key, nil
	}

	v, err, _ := s.group.Do(provider, func() (any, error) {
		sec, err := s.store.GetSecret(ctx, provider)
		switch {
		case err == nil:
			plain, err := s.decrypt(sec.EncryptedKey)
			if err != nil {
				log.Printf("Failed to decrypt key for provider %s: %v", provider, err)
				return "", nil
			}
			s.mu.Lock()
			s.cache[provider] = plain
			s.mu.Unlock()
			return plain, nil
		case errors.Is(err, store.ErrNotFound):
			return s.envKey(provider), nil
		default:
			return "", err
		}
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *Service) envKey(provider string) string {
	upper := strings.ToUpper(provider)
	for _, name := range []string{upper + "_API_KEY", upper + "_KEY", provider + "_API_KEY", provider + "_KEY"} {
		if v, ok := s.lookup(name); ok && v != "" {
			return v
		}
	}
	return ""
}

// SetKey encrypts and stores rawKey for provider.
func (s *Service) SetKey(ctx context.Context, provider, rawKey string) error {
	provider = strings.ToLower(provider)
	if rawKey == "" {
		return errors.New("key is required")
	}
	enc, err := s.encrypt(rawKey)
	if err != nil {
		return err
	}
	preview := rawKey
	if len(preview) > previewLength {
		preview = preview[:previewLength]
	}
	if err := s.store.PutSecret(ctx, provider, enc, preview); err != nil {
		return err
	}

	s.mu.Lock()
	s.cache[provider] = rawKey
	s.mu.Unlock()
	return nil
}

// DeleteKey removes the stored key. Environment keys are unaffected.
func (s *Service) DeleteKey(ctx context.Context, provider string) error {
	provider = strings.ToLower(provider)
	if _, err := s.store.DeleteSecret(ctx, provider); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, provider)
	s.mu.Unlock()
	return nil
}

// Status reports where the key of provider comes from, without revealing it.
func (s *Service) Status(ctx context.Context, provider string) (Status, error) {
	provider = strings.ToLower(provider)
	sec, err := s.store.GetSecret(ctx, provider)
	if err == nil {
		updated := sec.UpdatedAt
		return Status{HasKey: true, Source: "store", KeyPreview: sec.KeyPreview, UpdatedAt: &updated}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Status{}, err
	}
	if s.envKey(provider) != "" {
		return Status{HasKey: true, Source: "env"}, nil
	}
	return Status{}, nil
}
