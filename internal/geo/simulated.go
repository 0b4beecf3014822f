package geo

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/fieldside/dispatch/internal/models"
)

// SimulatedSource is a Source backed by a random walk around a starting
// coordinate. It always reports permission granted and capability enabled;
// the agent binary uses it where no real location hardware exists.
type SimulatedSource struct {
	mu  sync.Mutex
	lat float64
	lon float64
	rng *rand.Rand
}

var _ Source = (*SimulatedSource)(nil)

func NewSimulatedSource(lat, lon float64) *SimulatedSource {
	return &SimulatedSource{
		lat: lat,
		lon: lon,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (s *SimulatedSource) PermissionState(ctx context.Context) (Permission, error) {
	return PermissionGranted, nil
}

func (s *SimulatedSource) RequestPermission(ctx context.Context) (Permission, error) {
	return PermissionGranted, nil
}

func (s *SimulatedSource) CapabilityEnabled(ctx context.Context) (bool, error) {
	return true, nil
}

// CurrentFix drifts up to ~20m from the previous fix.
func (s *SimulatedSource) CurrentFix(ctx context.Context) (*models.PositionFix, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lat += (s.rng.Float64() - 0.5) * 0.0004
	s.lon += (s.rng.Float64() - 0.5) * 0.0004
	return &models.PositionFix{
		Latitude:  s.lat,
		Longitude: s.lon,
		Accuracy:  5 + s.rng.Float64()*5,
		Captured:  time.Now().UTC(),
	}, nil
}
