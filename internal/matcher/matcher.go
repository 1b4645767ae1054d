package matcher

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/carpool/internal/geo"
	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/routing"
)

const (
	DistanceWeight = 0.6
	TimeWeight     = 0.4
	// MinScore is exclusive: a candidate must score strictly above it.
	MinScore = 50.0

	// MaxDeviationMeters is where the distance score reaches zero.
	MaxDeviationMeters = 10000.0

	defaultParallelism = 8
)

type Service struct {
	Routing     routing.Client // optional road-distance lookup
	Logger      *slog.Logger
	Parallelism int
}

// FindMatches scores every candidate against req and returns the ones above
// MinScore, best first. Candidates without usable coordinates are dropped.
func (s *Service) FindMatches(ctx context.Context, candidates []models.Trip, req models.SearchCriteria) []models.MatchCandidate {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	n := s.Parallelism
	if n <= 0 {
		n = defaultParallelism
	}
	scored := make([]*models.MatchCandidate, len(candidates))
	sem := make(chan struct{}, n)
	var wg sync.WaitGroup
	for i := range candidates {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if mc, ok := s.Score(ctx, candidates[i], req); ok {
				scored[i] = &mc
			}
		}(i)
	}
	wg.Wait()

	out := make([]models.MatchCandidate, 0, len(candidates))
	for _, mc := range scored {
		if mc != nil && mc.Score > MinScore {
			out = append(out, *mc)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].Trip.StartTime.Equal(out[j].Trip.StartTime) {
			return out[i].Trip.StartTime.Before(out[j].Trip.StartTime)
		}
		return out[i].Trip.ID < out[j].Trip.ID
	})
	observability.MatchesTotal.Add(float64(len(out)))
	return out
}

// Score computes the match score of one trip. ok is false when the trip (or
// the request) lacks usable coordinates.
func (s *Service) Score(ctx context.Context, trip models.Trip, req models.SearchCriteria) (models.MatchCandidate, bool) {
	if !trip.Start.Valid() || !trip.End.Valid() || !req.Start.Valid() || !req.End.Valid() {
		return models.MatchCandidate{}, false
	}
	startDev := s.deviation(ctx, trip.Start.Coord, req.Start)
	endDev := s.deviation(ctx, trip.End.Coord, req.End)

	ds := DistanceScore(startDev, endDev)
	ts := TimeScore(trip.StartTime, req.StartTime)
	return models.MatchCandidate{
		Trip:          trip,
		Score:         DistanceWeight*ds + TimeWeight*ts,
		DistanceScore: ds,
		TimeScore:     ts,
	}, true
}

// DistanceScore is 100 minus one point per 100m of combined deviation, floored at 0.
func DistanceScore(startDevMeters, endDevMeters float64) float64 {
	return math.Max(0, 100-(startDevMeters+endDevMeters)/100)
}

// TimeScore is 100 minus one point per minute of offset, floored at 0.
func TimeScore(tripStart, requested time.Time) float64 {
	minutes := math.Abs(tripStart.Sub(requested).Minutes())
	return math.Max(0, 100-minutes)
}

func (s *Service) deviation(ctx context.Context, a, b models.Coord) float64 {
	if s.Routing != nil {
		d, err := s.Routing.DistanceMeters(ctx, a, b)
		if err == nil && d >= 0 {
			return d
		}
		observability.RoutingFallbacks.Inc()
		if s.Logger != nil {
			s.Logger.Debug("routing lookup failed, using great-circle distance", "error", err)
		}
	}
	// both points were validated by Score
	return geo.Haversine(a.Lat, a.Lon, b.Lat, b.Lon)
}
