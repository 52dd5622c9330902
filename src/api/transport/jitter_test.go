package transport

import (
	"math"
	"testing"
	"time"
)

func TestJitterModelValidation(t *testing.T) {
	tests := []struct {
		name    string
		drop    float64
		delay   time.Duration
		spread  time.Duration
		wantErr bool
	}{
		{name: "defaults", drop: 0, delay: 0},
		{name: "full loss", drop: 1, delay: time.Second},
		{name: "negative drop", drop: -0.1, wantErr: true},
		{name: "drop above one", drop: 1.5, wantErr: true},
		{name: "negative delay", delay: -time.Millisecond, wantErr: true},
		{name: "negative spread", spread: -time.Millisecond, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewJitterModel(tc.drop, tc.delay, tc.spread, 1)
			if (err != nil) != tc.wantErr {
				t.Fatalf("NewJitterModel err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestJitterModelLossConverges(t *testing.T) {
	const trials = 20000
	for _, p := range []float64{0, 0.1, 0.5, 0.9, 1} {
		m, err := NewJitterModel(p, 0, 0, 42)
		if err != nil {
			t.Fatalf("NewJitterModel: %v", err)
		}
		delivered := 0
		for i := 0; i < trials; i++ {
			if !m.ShouldDrop() {
				delivered++
			}
		}
		ratio := float64(delivered) / trials
		// five standard deviations of a binomial proportion
		tolerance := 5*math.Sqrt(p*(1-p)/trials) + 1e-9
		if math.Abs(ratio-(1-p)) > tolerance {
			t.Fatalf("drop=%v: delivery ratio %.4f, want %.4f ± %.4f", p, ratio, 1-p, tolerance)
		}
	}
}

func TestJitterModelDelayBounds(t *testing.T) {
	for _, d := range []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 2500 * time.Millisecond} {
		// a wide spread forces samples into the clamp on both sides
		m, err := NewJitterModel(0, d, 2*time.Second, 7)
		if err != nil {
			t.Fatalf("NewJitterModel: %v", err)
		}
		lo, hi := DelayBounds(d)
		for i := 0; i < 5000; i++ {
			got := m.SampleDelay()
			if got < lo || got > hi {
				t.Fatalf("delay=%s: sample %s outside [%s, %s]", d, got, lo, hi)
			}
		}
	}
}

func TestJitterModelDelayCentersOnNominal(t *testing.T) {
	d := 2500 * time.Millisecond
	m, err := NewJitterModel(0, d, 0, 99)
	if err != nil {
		t.Fatalf("NewJitterModel: %v", err)
	}
	var sum time.Duration
	const n = 10000
	for i := 0; i < n; i++ {
		sum += m.SampleDelay()
	}
	mean := sum / n
	if diff := mean - d; diff < -20*time.Millisecond || diff > 20*time.Millisecond {
		t.Fatalf("mean delay %s too far from nominal %s", mean, d)
	}
}

func TestJitterModelZeroDelay(t *testing.T) {
	m, _ := NewJitterModel(0, 0, 0, 3)
	for i := 0; i < 100; i++ {
		if got := m.SampleDelay(); got != 0 {
			t.Fatalf("SampleDelay() = %s with zero nominal delay", got)
		}
	}
}
