package mail

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRegistryReturnsOneStorePerUser(t *testing.T) {
	loader := newFakeLoader()
	r := NewRegistry(context.Background(), testConfig(), StoreDeps{Loader: loader})
	t.Cleanup(r.Stop)

	a := r.For("u1")
	if r.For("u1") != a {
		t.Error("For returned a different store for the same user")
	}
	if r.For("u2") == a {
		t.Error("users share a store")
	}
	if diff := cmp.Diff([]string{"u1", "u2"}, r.Users()); diff != "" {
		t.Errorf("users mismatch (-want +got):\n%s", diff)
	}
}

func TestRegistryDrop(t *testing.T) {
	loader := newFakeLoader()
	loader.set("a@x.com", msg("m1", "hi", baseTime, "a@x.com", "me@x.com"))
	r := NewRegistry(context.Background(), testConfig(), StoreDeps{Loader: loader})
	t.Cleanup(r.Stop)

	s := r.For("u1")
	s.Initialize(context.Background(), "a@x.com", "u1")
	if s.Count("a@x.com") != 1 {
		t.Fatalf("Count = %d, want 1", s.Count("a@x.com"))
	}

	r.Drop("u1")
	if _, ok := r.Lookup("u1"); ok {
		t.Error("dropped user still registered")
	}
	if s.Count("a@x.com") != 0 {
		t.Error("dropped store kept its cache")
	}
	if r.For("u1") == s {
		t.Error("For reused a dropped store")
	}
}
