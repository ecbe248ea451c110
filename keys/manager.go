package keys

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

const rsaBits = 2048

// Config selects the signing key source. PrivateKey wins over JWKSPath; with
// neither, a key is generated in memory.
type Config struct {
	// PrivateKey is PEM content or a path to a PEM file.
	PrivateKey     string
	JWKSPath       string
	RotateInterval time.Duration
	// Retain is how many previous keys stay published after rotation.
	Retain int
}

type keyPair struct {
	PrivateKey *rsa.PrivateKey
	JWK        jose.JSONWebKey
	Kid        string
}

// Manager holds RS256 signing keys and publishes their public halves.
type Manager struct {
	mu          sync.RWMutex
	current     keyPair
	previous    []keyPair
	rotateEvery time.Duration
	retain      int
	storePath   string
	logger      *slog.Logger
}

// NewManager loads or creates signing keys.
func NewManager(cfg Config, logger *slog.Logger) (*Manager, error) {
	m := &Manager{
		rotateEvery: cfg.RotateInterval,
		retain:      cfg.Retain,
		storePath:   cfg.JWKSPath,
		logger:      logger,
	}
	if m.retain <= 0 {
		m.retain = 1
	}

	if cfg.PrivateKey != "" {
		key, err := loadPrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		pair, err := newKeyPair(key)
		if err != nil {
			return nil, err
		}
		m.current = pair
		// a configured key is static
		m.rotateEvery = 0
		m.storePath = ""
		logger.Info("signing key loaded", "kid", pair.Kid)
		return m, nil
	}

	if m.storePath != "" {
		if err := m.loadFromDisk(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if m.current.PrivateKey == nil {
		if err := m.rotate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// StartRotation rotates keys on a ticker until ctx is done.
func (m *Manager) StartRotation(ctx context.Context) {
	if m.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(m.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := m.rotate(); err != nil {
					m.logger.Error("jwks rotate", "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Sign signs claims with the current key and stamps its kid.
func (m *Manager) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	m.mu.RLock()
	defer m.mu.RUnlock()
	token.Header["kid"] = m.current.Kid
	return token.SignedString(m.current.PrivateKey)
}

// Keyfunc resolves the verification key by kid, including retained keys.
func (m *Manager) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if kid == "" || kid == m.current.Kid {
		return &m.current.PrivateKey.PublicKey, nil
	}
	for _, prev := range m.previous {
		if prev.Kid == kid {
			return &prev.PrivateKey.PublicKey, nil
		}
	}
	return nil, fmt.Errorf("unknown kid %q", kid)
}

// PublicJWKS exposes public keys for the JWKS endpoint.
func (m *Manager) PublicJWKS() jose.JSONWebKeySet {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := []jose.JSONWebKey{m.current.JWK.Public()}
	for _, prev := range m.previous {
		keys = append(keys, prev.JWK.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

// CurrentKID returns the kid used for new signatures.
func (m *Manager) CurrentKID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Kid
}

// Rotate replaces the signing key, retaining the old one for verification.
func (m *Manager) Rotate() error {
	return m.rotate()
}

func (m *Manager) rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	pair, err := newKeyPair(key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.current.PrivateKey != nil {
		m.previous = append([]keyPair{m.current}, m.previous...)
		if len(m.previous) > m.retain {
			m.previous = m.previous[:m.retain]
		}
	}
	m.current = pair
	m.mu.Unlock()

	m.logger.Info("signing key rotated", "kid", pair.Kid)
	if m.storePath != "" {
		return m.persist()
	}
	return nil
}

func (m *Manager) persist() error {
	m.mu.RLock()
	keys := []jose.JSONWebKey{m.current.JWK}
	for _, prev := range m.previous {
		keys = append(keys, prev.JWK)
	}
	m.mu.RUnlock()

	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode jwks: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.storePath), 0o700); err != nil {
		return fmt.Errorf("create jwks dir: %w", err)
	}
	return os.WriteFile(m.storePath, payload, 0o600)
}

func (m *Manager) loadFromDisk() error {
	payload, err := os.ReadFile(m.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return fmt.Errorf("decode jwks %s: %w", m.storePath, err)
	}
	var pairs []keyPair
	for _, key := range set.Keys {
		priv, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		pairs = append(pairs, keyPair{PrivateKey: priv, JWK: key, Kid: key.KeyID})
	}
	if len(pairs) == 0 {
		return fmt.Errorf("no private RSA keys in %s", m.storePath)
	}
	m.current = pairs[0]
	m.previous = pairs[1:]
	return nil
}

func newKeyPair(key *rsa.PrivateKey) (keyPair, error) {
	jwk := jose.JSONWebKey{Key: key, Algorithm: string(jose.RS256), Use: "sig"}
	pub := jwk.Public()
	thumb, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return keyPair{}, fmt.Errorf("key thumbprint: %w", err)
	}
	jwk.KeyID = base64.RawURLEncoding.EncodeToString(thumb)
	return keyPair{PrivateKey: key, JWK: jwk, Kid: jwk.KeyID}, nil
}

// loadPrivateKey accepts PEM content directly or a path to a PEM file.
func loadPrivateKey(src string) (*rsa.PrivateKey, error) {
	data := []byte(src)
	if !strings.Contains(src, "-----BEGIN") {
		b, err := os.ReadFile(src)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		data = b
	}
	return ParsePrivateKeyPEM(data)
}

// ParsePrivateKeyPEM decodes a PKCS#1 or PKCS#8 RSA private key.
func ParsePrivateKeyPEM(data []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("private key: no PEM block found")
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs1 key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse pkcs8 key: %w", err)
		}
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not RSA")
		}
		return key, nil
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

// GeneratePrivateKeyPEM creates a new RSA key encoded as PKCS#8 PEM.
func GeneratePrivateKeyPEM() ([]byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
