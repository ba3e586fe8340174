package storage

import (
	"fmt"
	"testing"
)

func TestMemDBRoundTrip(t *testing.T) {
	db := NewMemDB()
	if err := db.Put([]byte("k"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	value, ok, err := db.Get([]byte("k"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || string(value) != "v" {
		t.Fatalf("expected v, got %q (found %v)", value, ok)
	}
	if _, ok, _ := db.Get([]byte("missing")); ok {
		t.Fatalf("expected missing key to be absent")
	}
}

func TestMemDBIteratePrefixOrder(t *testing.T) {
	db := NewMemDB()
	for _, i := range []int{3, 1, 2} {
		key := fmt.Sprintf("pre/%d", i)
		if err := db.Put([]byte(key), []byte{byte(i)}); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if err := db.Put([]byte("other"), []byte{9}); err != nil {
		t.Fatalf("put other: %v", err)
	}
	var visited []string
	err := db.Iterate([]byte("pre/"), func(key, value []byte) error {
		visited = append(visited, string(key))
		return nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	want := []string{"pre/1", "pre/2", "pre/3"}
	if len(visited) != len(want) {
		t.Fatalf("expected %d keys, got %v", len(want), visited)
	}
	for i, key := range want {
		if visited[i] != key {
			t.Fatalf("expected %s at position %d, got %s", key, i, visited[i])
		}
	}
}

func TestMemDBIterateAbortsOnError(t *testing.T) {
	db := NewMemDB()
	_ = db.Put([]byte("a/1"), []byte{1})
	_ = db.Put([]byte("a/2"), []byte{2})
	calls := 0
	err := db.Iterate([]byte("a/"), func(key, value []byte) error {
		calls++
		return fmt.Errorf("stop")
	})
	if err == nil {
		t.Fatalf("expected iteration error")
	}
	if calls != 1 {
		t.Fatalf("expected a single visit, got %d", calls)
	}
}
