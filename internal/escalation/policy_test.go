package escalation

import (
	"testing"
	"time"
)

func TestDelayForDefaultTable(t *testing.T) {
	t.Parallel()
	p := Default()
	want := []int{5, 5, 10, 15, 25, 30, 30, 30, 30, 30}
	for i, m := range want {
		attempt := i + 1
		if got := p.DelayFor(attempt); got != time.Duration(m)*time.Minute {
			t.Fatalf("DelayFor(%d) = %v, want %dm", attempt, got, m)
		}
	}
	if got := p.DelayFor(0); got != 5*time.Minute {
		t.Fatalf("DelayFor(0) = %v, want 5m", got)
	}
	if got := p.DelayFor(49); got != 30*time.Minute {
		t.Fatalf("DelayFor(49) = %v, want cap 30m", got)
	}
}

func TestShouldSuspend(t *testing.T) {
	t.Parallel()
	tests := []struct {
		attempt, max int
		want         bool
	}{
		{1, 3, false},
		{2, 3, false},
		{3, 3, true},
		{4, 3, true},
		{1, 1, true},
		{9, 10, false},
		{10, 10, true},
		{10, 0, true},
	}
	for _, tt := range tests {
		if got := ShouldSuspend(tt.attempt, tt.max); got != tt.want {
			t.Fatalf("ShouldSuspend(%d, %d) = %v, want %v", tt.attempt, tt.max, got, tt.want)
		}
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		delays  []int
		max     int
		wantErr bool
	}{
		{name: "defaults", max: 0},
		{name: "custom", delays: []int{1, 2}, max: 3},
		{name: "max too low", max: -1, wantErr: true},
		{name: "max too high", max: 51, wantErr: true},
		{name: "bounds", max: 50},
		{name: "zero delay", delays: []int{5, 0}, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.delays, tt.max)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("New error: %v", err)
			}
			if tt.max == 0 && p.MaxAttempts != DefaultMaxAttempts {
				t.Fatalf("MaxAttempts = %d, want %d", p.MaxAttempts, DefaultMaxAttempts)
			}
		})
	}
}

func TestCustomTableCaps(t *testing.T) {
	t.Parallel()
	p, err := New([]int{1, 2}, 5)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if got := p.DelayFor(4); got != 2*time.Minute {
		t.Fatalf("DelayFor(4) = %v, want 2m", got)
	}
}

func TestLimit(t *testing.T) {
	t.Parallel()
	p := Default()
	if got := p.Limit(3); got != 3 {
		t.Fatalf("Limit(3) = %d", got)
	}
	if got := p.Limit(0); got != DefaultMaxAttempts {
		t.Fatalf("Limit(0) = %d, want policy default", got)
	}
	if got := p.Limit(99); got != DefaultMaxAttempts {
		t.Fatalf("Limit(99) = %d, want policy default", got)
	}
}
