package geo

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/example/carpool/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceMetersKnownPair(t *testing.T) {
	// one degree of latitude is ~111.19 km on a 6371 km sphere
	d, err := DistanceMeters(models.Coord{Lat: 0, Lon: 0}, models.Coord{Lat: 1, Lon: 0})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if math.Abs(d-111195) > 50 {
		t.Fatalf("expected ~111195m, got %f", d)
	}
}

func TestDistanceMetersSymmetric(t *testing.T) {
	a := models.Coord{Lat: 12.9716, Lon: 77.5946}
	b := models.Coord{Lat: 13.0827, Lon: 80.2707}
	ab, _ := DistanceMeters(a, b)
	ba, _ := DistanceMeters(b, a)
	if math.Abs(ab-ba) > 1e-6 || ab <= 0 {
		t.Fatalf("expected symmetric positive distance, got %f and %f", ab, ba)
	}
}

func TestDistanceMetersRejectsNaN(t *testing.T) {
	_, err := DistanceMeters(models.Coord{Lat: math.NaN(), Lon: 0}, models.Coord{})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestMemoryIndexWithin(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	_ = idx.Upsert(ctx, "near", models.Coord{Lat: 12.9716, Lon: 77.5946})
	_ = idx.Upsert(ctx, "far", models.Coord{Lat: 13.0827, Lon: 80.2707})

	ids, err := idx.Within(ctx, models.Coord{Lat: 12.972, Lon: 77.595}, 1000)
	if err != nil {
		t.Fatalf("within: %v", err)
	}
	if len(ids) != 1 || ids[0] != "near" {
		t.Fatalf("expected only near, got %v", ids)
	}

	_ = idx.Remove(ctx, "near")
	ids, _ = idx.Within(ctx, models.Coord{Lat: 12.972, Lon: 77.595}, 1000)
	if len(ids) != 0 {
		t.Fatalf("expected empty after remove, got %v", ids)
	}
}
