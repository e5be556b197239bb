package batch

import (
	"testing"
	"time"
)

func TestAdaptiveDelay_Observe(t *testing.T) {
	const (
		floor   = 100 * time.Millisecond
		ceiling = 10 * time.Second
	)
	tests := []struct {
		name    string
		initial time.Duration
		elapsed time.Duration
		failed  bool
		want    time.Duration
	}{
		{"fast call speeds up", 500 * time.Millisecond, 50 * time.Millisecond, false, 400 * time.Millisecond},
		{"slow call slows down", 500 * time.Millisecond, 2 * time.Second, false, 750 * time.Millisecond},
		{"ordinary call keeps pace", 500 * time.Millisecond, 500 * time.Millisecond, false, 500 * time.Millisecond},
		{"boundary fast is ordinary", 500 * time.Millisecond, 200 * time.Millisecond, false, 500 * time.Millisecond},
		{"boundary slow is ordinary", 500 * time.Millisecond, time.Second, false, 500 * time.Millisecond},
		{"failure backs off even when fast", 500 * time.Millisecond, 10 * time.Millisecond, true, 1500 * time.Millisecond},
		{"speed-up stops at the floor", 110 * time.Millisecond, time.Millisecond, false, floor},
		{"failure stops at the ceiling", 5 * time.Second, time.Second, true, ceiling},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewAdaptiveDelay(tt.initial, floor, ceiling)
			if got := d.Observe(tt.elapsed, tt.failed); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
			if d.Current() != tt.want {
				t.Errorf("Expected Current() %v, got %v", tt.want, d.Current())
			}
		})
	}
}

func TestAdaptiveDelay_Clamp(t *testing.T) {
	if d := NewAdaptiveDelay(time.Millisecond, 100*time.Millisecond, time.Second); d.Current() != 100*time.Millisecond {
		t.Errorf("Expected initial raised to floor, got %v", d.Current())
	}
	if d := NewAdaptiveDelay(time.Minute, 100*time.Millisecond, time.Second); d.Current() != time.Second {
		t.Errorf("Expected initial lowered to ceiling, got %v", d.Current())
	}

	d := NewAdaptiveDelay(time.Second, 100*time.Millisecond, 10*time.Second)
	for range 50 {
		d.Observe(time.Millisecond, false)
	}
	if d.Current() != 100*time.Millisecond {
		t.Errorf("Expected repeated fast calls to settle at the floor, got %v", d.Current())
	}
	for range 10 {
		d.Observe(time.Millisecond, true)
	}
	if d.Current() != 10*time.Second {
		t.Errorf("Expected repeated failures to settle at the ceiling, got %v", d.Current())
	}
}

func TestCheckpointEvery(t *testing.T) {
	tests := []struct {
		total int
		want  int
	}{
		{1, 1},
		{20, 1},
		{21, 5},
		{100, 5},
		{101, 10},
		{5000, 10},
	}
	for _, tt := range tests {
		if got := CheckpointEvery(tt.total); got != tt.want {
			t.Errorf("CheckpointEvery(%d) = %d, want %d", tt.total, got, tt.want)
		}
	}
}
