package model

import (
	"testing"
	"time"

	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/interval"
)

func TestTerminalStatuses(t *testing.T) {
	terminal := map[Status]bool{StatusCompleted: true, StatusNoShow: true, StatusCancelled: true}
	for _, s := range Statuses() {
		if s.Terminal() != terminal[s] {
			t.Fatalf("%s: terminal=%v", s, s.Terminal())
		}
	}
	if len(Statuses()) != 13 {
		t.Fatalf("expected 13 statuses, got %d", len(Statuses()))
	}
}

func TestParseStatus(t *testing.T) {
	if s, ok := ParseStatus("IN_CHAIR"); !ok || s != StatusInChair {
		t.Fatalf("unexpected %q %v", s, ok)
	}
	if _, ok := ParseStatus("in_chair"); ok {
		t.Fatal("status names are case sensitive")
	}
}

func TestCloneIsolatesTimestamps(t *testing.T) {
	now := time.Now()
	a := Appointment{ArrivedAt: &now}
	b := a.Clone()
	*b.ArrivedAt = now.Add(time.Hour)
	if !a.ArrivedAt.Equal(now) {
		t.Fatal("clone shares timestamp storage")
	}
}

func TestConsistent(t *testing.T) {
	a := Appointment{StartTime: interval.MustClock("09:00"), EndTime: interval.MustClock("09:30"), Duration: 30}
	if !a.Consistent() {
		t.Fatal("expected consistent")
	}
	a.Duration = 25
	if a.Consistent() {
		t.Fatal("duration mismatch must be inconsistent")
	}
}
