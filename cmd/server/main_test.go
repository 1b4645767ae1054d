package main

import (
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/storage"
)

// sharedStore stands in for a store that outlives the process.
type sharedStore struct{ storage.Store }

func TestTripIndexMatchesStore(t *testing.T) {
	if _, ok := tripIndex(storage.NewMemoryStore(), nil, "trip_origins").(*geo.MemoryIndex); !ok {
		t.Fatalf("memory store should get a memory index")
	}
	if idx := tripIndex(sharedStore{}, nil, "trip_origins"); idx != nil {
		t.Fatalf("persistent store without redis should search unindexed, got %T", idx)
	}

	rc := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer rc.Close()
	if _, ok := tripIndex(sharedStore{}, rc, "trip_origins").(*geo.RedisIndex); !ok {
		t.Fatalf("redis should back the index when configured")
	}
}
