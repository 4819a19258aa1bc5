package relay

import (
	"testing"

	"golang.org/x/time/rate"

	"github.com/fruitsalade/treesync/internal/config"
)

func TestNewLimiter(t *testing.T) {
	tests := []struct {
		name      string
		perSecond float64
		burst     int
		wantLimit rate.Limit
		allowed   int
	}{
		{"disabled", 0, 0, rate.Inf, 1000},
		{"burst then throttle", 5, 3, 5, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLimiter(&config.Config{EventsPerSecond: tt.perSecond, EventBurst: tt.burst})
			if l.Limit() != tt.wantLimit {
				t.Errorf("limit = %v, want %v", l.Limit(), tt.wantLimit)
			}
			n := 0
			for i := 0; i < 1000 && l.Allow(); i++ {
				n++
			}
			if n != tt.allowed {
				t.Errorf("allowed %d events without waiting, want %d", n, tt.allowed)
			}
		})
	}
}
