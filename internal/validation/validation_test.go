package validation

import (
	"errors"
	"math"
	"testing"

	"github.com/example/carpool/internal/models"
)

type sample struct {
	DriverID string `json:"driver_id" validate:"required"`
	Seats    int    `json:"total_seats" validate:"gte=1"`
}

func TestStructReportsJSONField(t *testing.T) {
	err := Struct(sample{DriverID: "d1", Seats: 0})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	var ve *models.ValidationError
	if !errors.As(err, &ve) || ve.Field != "total_seats" {
		t.Fatalf("expected field total_seats, got %+v", ve)
	}
	if err := Struct(sample{DriverID: "d1", Seats: 2}); err != nil {
		t.Fatalf("valid struct rejected: %v", err)
	}
}

func TestCoord(t *testing.T) {
	if err := Coord("start", models.Coord{Lat: 10, Lon: 10}); err != nil {
		t.Fatalf("valid coord rejected: %v", err)
	}
	if err := Coord("start", models.Coord{Lat: math.Inf(1), Lon: 0}); !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
