package schedule

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingTrigger struct{ n atomic.Int32 }

func (c *countingTrigger) Trigger() { c.n.Add(1) }

func TestSpec(t *testing.T) {
	tests := []struct {
		name     string
		expr     string
		interval time.Duration
		want     string
		wantErr  error
	}{
		{"interval", "", 5 * time.Minute, "@every 5m0s", nil},
		{"expression wins", "*/10 * * * *", time.Minute, "*/10 * * * *", nil},
		{"nothing configured", "", 0, "", ErrNoSchedule},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Spec(tt.expr, tt.interval)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Spec = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNew_InvalidSpec(t *testing.T) {
	if _, err := New("every now and then", &countingTrigger{}, nil); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := New("@hourly", nil, nil); err == nil {
		t.Fatal("expected error for nil trigger")
	}
}

func TestScheduler_Fires(t *testing.T) {
	trig := &countingTrigger{}
	s, err := New("@every 1s", trig, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for trig.n.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("schedule never fired")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestScheduler_Reschedule(t *testing.T) {
	s, err := New("@hourly", &countingTrigger{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Start()
	defer s.Stop()

	if err := s.Reschedule("not a schedule"); err == nil {
		t.Fatal("expected error")
	}
	if s.Spec() != "@hourly" {
		t.Errorf("spec = %q after failed reschedule", s.Spec())
	}

	if err := s.Reschedule("@every 10m"); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if s.Spec() != "@every 10m" {
		t.Errorf("spec = %q", s.Spec())
	}
	next := s.Next()
	if next.IsZero() || time.Until(next) > 11*time.Minute {
		t.Errorf("next = %v", next)
	}
}
