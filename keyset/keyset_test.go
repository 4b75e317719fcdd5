// Copyright (c) 2024 GradeHub. All rights reserved.
//
// This source code is licensed under the MIT-style license found in
// the LICENSE file in the root directory of this source tree.

package keyset

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
)

// fakeFetcher serves canned keysets and counts fetches.
type fakeFetcher struct {
	mu      sync.Mutex
	sets    []jwk.Set
	err     error
	fetches int

	// block, when non-nil, holds every fetch until released.
	block chan struct{}
}

func (f *fakeFetcher) Fetch(ctx context.Context, keysetURI string) (jwk.Set, error) {
	f.mu.Lock()
	f.fetches++
	n := f.fetches
	block := f.block
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if f.err != nil {
		return nil, f.err
	}
	if n > len(f.sets) {
		n = len(f.sets)
	}
	return f.sets[n-1], nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func publicSetForTesting(t *testing.T) (*SigningKey, jwk.Set) {
	t.Helper()

	key, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("generate signing key error: %v", err)
	}
	set, err := key.PublicJWKS()
	if err != nil {
		t.Fatalf("public keyset error: %v", err)
	}

	return key, set
}

func TestKeysetCachesUntilExpiry(t *testing.T) {
	_, set := publicSetForTesting(t)
	fetcher := &fakeFetcher{sets: []jwk.Set{set}}

	current := time.Now()
	cache := NewCache(WithFetcher(fetcher), WithClock(func() time.Time { return current }))

	ctx := context.Background()
	uri := "https://platform.tld/keyset"

	if _, err := cache.Keyset(ctx, uri); err != nil {
		t.Fatalf("keyset error: %v", err)
	}
	if _, err := cache.Keyset(ctx, uri); err != nil {
		t.Fatalf("keyset error: %v", err)
	}
	if fetcher.count() != 1 {
		t.Fatalf("got %d fetches, want 1", fetcher.count())
	}

	current = current.Add(DefaultTTL + time.Second)
	if _, err := cache.Keyset(ctx, uri); err != nil {
		t.Fatalf("keyset error: %v", err)
	}
	if fetcher.count() != 2 {
		t.Fatalf("got %d fetches after expiry, want 2", fetcher.count())
	}
}

func TestKeyForRefreshesOnUnknownKeyID(t *testing.T) {
	oldKey, oldSet := publicSetForTesting(t)
	newKey, newSet := publicSetForTesting(t)

	// The first fetch returns the pre-rotation keyset, later fetches the rotated one.
	fetcher := &fakeFetcher{sets: []jwk.Set{oldSet, newSet}}
	cache := NewCache(WithFetcher(fetcher))

	ctx := context.Background()
	uri := "https://platform.tld/keyset"

	if _, err := cache.KeyFor(ctx, uri, oldKey.KeyID()); err != nil {
		t.Fatalf("key for error: %v", err)
	}
	if fetcher.count() != 1 {
		t.Fatalf("got %d fetches, want 1", fetcher.count())
	}

	// A rotated key ID misses the cache, triggering exactly one forced refresh.
	if _, err := cache.KeyFor(ctx, uri, newKey.KeyID()); err != nil {
		t.Fatalf("key for error after rotation: %v", err)
	}
	if fetcher.count() != 2 {
		t.Fatalf("got %d fetches after rotation, want 2", fetcher.count())
	}

	// A key ID the platform never published stays unknown after the refresh.
	_, err := cache.KeyFor(ctx, uri, "never-published")
	if !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("got %v, want ErrUnknownKey", err)
	}
}

func TestConcurrentRefreshIsShared(t *testing.T) {
	_, set := publicSetForTesting(t)
	fetcher := &fakeFetcher{sets: []jwk.Set{set}, block: make(chan struct{})}
	cache := NewCache(WithFetcher(fetcher))

	ctx := context.Background()
	uri := "https://platform.tld/keyset"

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.Keyset(ctx, uri)
			errs <- err
		}()
	}

	// Give the callers a moment to pile onto the in-flight fetch, then release it.
	time.Sleep(50 * time.Millisecond)
	close(fetcher.block)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("keyset error: %v", err)
		}
	}
	if fetcher.count() != 1 {
		t.Fatalf("got %d fetches for %d concurrent callers, want 1", fetcher.count(), callers)
	}
}

func TestKeysetFetchFailure(t *testing.T) {
	fetchErr := errors.New("connection refused")
	fetcher := &fakeFetcher{err: fetchErr}
	cache := NewCache(WithFetcher(fetcher))

	_, err := cache.Keyset(context.Background(), "https://platform.tld/keyset")
	if !errors.Is(err, fetchErr) {
		t.Fatalf("got %v, want fetch error", err)
	}
}

func TestHTTPFetcher(t *testing.T) {
	key, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("generate signing key error: %v", err)
	}
	jwks, err := key.PublicJWKSJSON()
	if err != nil {
		t.Fatalf("public keyset error: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(jwks)
	}))
	defer server.Close()

	fetcher := &HTTPFetcher{}
	set, err := fetcher.Fetch(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("fetch error: %v", err)
	}
	if _, ok := set.LookupKeyID(key.KeyID()); !ok {
		t.Fatal("fetched keyset does not contain the published key")
	}
}

func TestSigningKeyPEMRoundTrip(t *testing.T) {
	key, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("generate signing key error: %v", err)
	}

	restored, err := NewSigningKey(key.PEM(), "tool-key-1")
	if err != nil {
		t.Fatalf("parse signing key error: %v", err)
	}
	if restored.KeyID() != "tool-key-1" {
		t.Errorf("got key ID %q, want %q", restored.KeyID(), "tool-key-1")
	}
	if restored.Private().N.Cmp(key.Private().N) != 0 {
		t.Fatal("restored key does not match generated key")
	}

	if _, err := NewSigningKey("not a pem block", ""); err == nil {
		t.Error("error not reported for malformed PEM")
	}
}
