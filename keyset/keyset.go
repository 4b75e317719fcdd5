// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

// Package keyset holds the tool's signing key and caches each registered platform's public JWKS. Platforms rotate
// their keys, so the cache refreshes on expiry and once more when a launch references an unknown key ID.
package keyset

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// ErrUnknownKey is the error returned when a key ID cannot be resolved, even after a cache refresh.
var ErrUnknownKey = errors.New("unknown signing key")

// DefaultTTL is how long a fetched platform keyset is served without refreshing.
const DefaultTTL = 10 * time.Minute

const maximumKeysetBytes = 1 << 20

// A Fetcher retrieves a platform keyset. The HTTP implementation is the default; tests substitute fakes so signature
// validation can run without network access.
type Fetcher interface {
	Fetch(ctx context.Context, keysetURI string) (jwk.Set, error)
}

// HTTPFetcher fetches a keyset over HTTP with a bounded timeout.
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch performs the keyset GET and parses the response body.
func (f *HTTPFetcher) Fetch(ctx context.Context, keysetURI string) (jwk.Set, error) {
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, keysetURI, nil)
	if err != nil {
		return nil, fmt.Errorf("could not create keyset request: %w", err)
	}

	response, err := client.Do(request)
	if err != nil {
		return nil, fmt.Errorf("keyset request error: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("keyset request got response status: %s", http.StatusText(response.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(response.Body, maximumKeysetBytes))
	if err != nil {
		return nil, fmt.Errorf("could not read keyset response body: %w", err)
	}

	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("could not parse keyset: %w", err)
	}

	return set, nil
}

type entry struct {
	set       jwk.Set
	fetchedAt time.Time
	lastErr   error

	// inflight is non-nil while a refresh for this keyset URI is running. Concurrent validations wait on it
	// instead of fetching redundantly.
	inflight chan struct{}
}

// A Cache caches platform keysets per keyset URI with expiry-based refresh. A cache miss or stale entry triggers a
// single shared fetch; validations for other platforms are never blocked by it.
type Cache struct {
	fetcher Fetcher
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithFetcher replaces the HTTP fetcher, typically with a test fake.
func WithFetcher(f Fetcher) CacheOption {
	return func(c *Cache) { c.fetcher = f }
}

// WithTTL replaces the freshness window.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) { c.ttl = ttl }
}

// WithClock replaces the cache clock, for expiry tests.
func WithClock(now func() time.Time) CacheOption {
	return func(c *Cache) { c.now = now }
}

// NewCache creates a keyset cache with the default HTTP fetcher and TTL.
func NewCache(options ...CacheOption) *Cache {
	cache := &Cache{
		fetcher: &HTTPFetcher{},
		ttl:     DefaultTTL,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, option := range options {
		option(cache)
	}

	return cache
}

// Keyset returns the cached keyset for the URI, fetching it on a miss or after expiry.
func (c *Cache) Keyset(ctx context.Context, keysetURI string) (jwk.Set, error) {
	if keysetURI == "" {
		return nil, errors.New("received empty keysetURI argument")
	}

	c.mu.Lock()
	e, ok := c.entries[keysetURI]
	if ok && e.set != nil && c.now().Before(e.fetchedAt.Add(c.ttl)) {
		set := e.set
		c.mu.Unlock()
		return set, nil
	}
	c.mu.Unlock()

	return c.refresh(ctx, keysetURI)
}

// KeyFor resolves a key ID within the platform's keyset. If the key ID is unknown, the cache is refreshed once to
// pick up a rotation; if the key ID is still unresolved, it returns ErrUnknownKey.
func (c *Cache) KeyFor(ctx context.Context, keysetURI, keyID string) (jwk.Key, error) {
	if keyID == "" {
		return nil, errors.New("received empty keyID argument")
	}

	set, err := c.Keyset(ctx, keysetURI)
	if err != nil {
		return nil, err
	}
	if key, ok := set.LookupKeyID(keyID); ok {
		return key, nil
	}

	set, err = c.refresh(ctx, keysetURI)
	if err != nil {
		return nil, err
	}
	if key, ok := set.LookupKeyID(keyID); ok {
		return key, nil
	}

	return nil, ErrUnknownKey
}

// Invalidate drops the cached keyset for the URI.
func (c *Cache) Invalidate(keysetURI string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, keysetURI)
}

// refresh fetches the keyset, sharing a single in-flight fetch among concurrent callers for the same URI.
func (c *Cache) refresh(ctx context.Context, keysetURI string) (jwk.Set, error) {
	c.mu.Lock()
	e, ok := c.entries[keysetURI]
	if !ok {
		e = &entry{}
		c.entries[keysetURI] = e
	}

	if e.inflight != nil {
		done := e.inflight
		c.mu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		c.mu.Lock()
		set, err := e.set, e.lastErr
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		return set, nil
	}

	done := make(chan struct{})
	e.inflight = done
	c.mu.Unlock()

	set, err := c.fetcher.Fetch(ctx, keysetURI)

	c.mu.Lock()
	if err == nil {
		e.set = set
		e.fetchedAt = c.now()
		e.lastErr = nil
	} else {
		e.lastErr = err
	}
	e.inflight = nil
	close(done)
	c.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return set, nil
}

// A SigningKey is the tool's RSA key used to sign client assertions when requesting platform access tokens, plus its
// published JWKS form.
type SigningKey struct {
	keyID   string
	private *rsa.PrivateKey
}

// NewSigningKey parses a PEM-encoded RSA private key (PKCS#1 or PKCS#8). An empty key ID gets a generated one.
func NewSigningKey(pemPrivateKey, keyID string) (*SigningKey, error) {
	if len(pemPrivateKey) == 0 {
		return nil, errors.New("received empty signing key")
	}

	pemBlock, _ := pem.Decode([]byte(pemPrivateKey))
	if pemBlock == nil {
		return nil, errors.New("failed to decode PEM key block")
	}

	var private *rsa.PrivateKey
	if key, err := x509.ParsePKCS1PrivateKey(pemBlock.Bytes); err == nil {
		private = key
	} else if parsed, err := x509.ParsePKCS8PrivateKey(pemBlock.Bytes); err == nil {
		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("signing key is not an RSA key")
		}
		private = key
	} else {
		return nil, errors.New("failed to parse RSA key")
	}

	if keyID == "" {
		keyID = uuid.NewString()
	}

	return &SigningKey{keyID: keyID, private: private}, nil
}

// GenerateSigningKey creates an ephemeral 2048-bit RSA key. Intended for development; production deployments supply a
// persisted PEM key so the published JWKS stays stable across restarts.
func GenerateSigningKey() (*SigningKey, error) {
	private, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("could not generate signing key: %w", err)
	}

	return &SigningKey{keyID: uuid.NewString(), private: private}, nil
}

// KeyID returns the key ID published with the key.
func (k *SigningKey) KeyID() string {
	return k.keyID
}

// Private returns the RSA private key.
func (k *SigningKey) Private() *rsa.PrivateKey {
	return k.private
}

// PEM returns the PKCS#1 PEM encoding of the private key, for persisting a generated development key.
func (k *SigningKey) PEM() string {
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(k.private)}
	return string(pem.EncodeToMemory(block))
}

// PrivateJWK returns the private key in JWK form with the key ID and algorithm set.
func (k *SigningKey) PrivateJWK() (jwk.Key, error) {
	key, err := jwk.FromRaw(k.private)
	if err != nil {
		return nil, fmt.Errorf("could not convert signing key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, k.keyID); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return nil, err
	}

	return key, nil
}

// PublicJWKS returns the public keyset published at the tool's JWKS endpoint.
func (k *SigningKey) PublicJWKS() (jwk.Set, error) {
	key, err := jwk.FromRaw(&k.private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("could not convert public key: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, k.keyID); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyUsageKey, jwk.ForSignature); err != nil {
		return nil, err
	}

	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, err
	}

	return set, nil
}

// PublicJWKSJSON returns the public keyset as JSON, ready to serve.
func (k *SigningKey) PublicJWKSJSON() ([]byte, error) {
	set, err := k.PublicJWKS()
	if err != nil {
		return nil, err
	}
	return json.Marshal(set)
}
