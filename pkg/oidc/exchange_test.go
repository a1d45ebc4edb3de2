package oidc

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestExchangeStorePopConsumesOnce(t *testing.T) {
	store := NewMemoryExchangeStore(time.Minute)

	ex := &Exchange{State: "state-1", Nonce: "nonce-1", Verifier: "verifier-1", CreatedAt: time.Now()}
	if err := store.Save(ex); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := store.Pop("state-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Nonce != "nonce-1" {
		t.Fatalf("wrong exchange: %+v", got)
	}

	if _, err := store.Pop("state-1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState on replay, got %v", err)
	}
}

func TestExchangeStorePopUnknownState(t *testing.T) {
	store := NewMemoryExchangeStore(time.Minute)
	if _, err := store.Pop("never-saved"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestExchangeStorePopExpired(t *testing.T) {
	store := NewMemoryExchangeStore(10 * time.Millisecond)

	ex := &Exchange{State: "state-1", CreatedAt: time.Now()}
	if err := store.Save(ex); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	if _, err := store.Pop("state-1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for expired exchange, got %v", err)
	}
}

// Two concurrent callbacks presenting the same state must result in
// exactly one success.
func TestExchangeStorePopConcurrent(t *testing.T) {
	store := NewMemoryExchangeStore(time.Minute)

	ex := &Exchange{State: "contested", CreatedAt: time.Now()}
	if err := store.Save(ex); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Pop("contested")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for err := range results {
		if err == nil {
			successes++
		} else if !errors.Is(err, ErrInvalidState) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 {
		t.Fatalf("expected exactly one successful pop, got %d", successes)
	}
}

func TestS256ChallengeFromVerifier(t *testing.T) {
	// RFC 7636 appendix B reference vector
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := S256ChallengeFromVerifier(verifier); got != want {
		t.Fatalf("challenge mismatch: got %s want %s", got, want)
	}
}
