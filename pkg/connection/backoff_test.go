package connection

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("UncappedProgression", func(t *testing.T) {
		b := NewExponentialBackoff(time.Second, 0, 2.0)

		for n := 0; n < 12; n++ {
			assert.Equal(t, time.Second*time.Duration(1<<n), b.Next(), "attempt %d", n)
		}
		assert.Equal(t, 12, b.Attempts())
	})

	t.Run("Capped", func(t *testing.T) {
		b := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0)

		expected := []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			400 * time.Millisecond,
			800 * time.Millisecond,
			time.Second,
			time.Second,
		}
		for i, want := range expected {
			assert.Equal(t, want, b.Next(), "duration %d", i)
		}
	})

	t.Run("Reset", func(t *testing.T) {
		b := NewExponentialBackoff(time.Second, 0, 2.0)
		b.Next()
		b.Next()
		b.Next()
		assert.Equal(t, 3, b.Attempts())

		b.Reset()

		assert.Equal(t, 0, b.Attempts())
		assert.Equal(t, time.Second, b.Next())
	})

	t.Run("NoOverflow", func(t *testing.T) {
		b := NewExponentialBackoff(time.Second, 0, 2.0)
		var last time.Duration
		for i := 0; i < 100; i++ {
			last = b.Next()
			assert.Positive(t, last, "attempt %d", i)
		}
	})

	t.Run("InvalidParameters", func(t *testing.T) {
		tests := []struct {
			name        string
			initial     time.Duration
			max         time.Duration
			factor      float64
			wantInitial time.Duration
			wantMax     time.Duration
			wantFactor  float64
		}{
			{"negative initial", -1, 0, 2.0, time.Second, 0, 2.0},
			{"negative max", time.Second, -1, 2.0, time.Second, 0, 2.0},
			{"factor too small", time.Second, 0, 0.5, time.Second, 0, 2.0},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				b := NewExponentialBackoff(tt.initial, tt.max, tt.factor)
				assert.Equal(t, tt.wantInitial, b.initial)
				assert.Equal(t, tt.wantMax, b.max)
				assert.Equal(t, tt.wantFactor, b.factor)
			})
		}
	})
}
