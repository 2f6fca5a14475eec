package resolve

import (
	"testing"
	"time"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func candidate(entityType string, updatedAt time.Time) Candidate {
	return Candidate{
		EntityType: entityType,
		EntityID:   "e1",
		UpdatedAt:  updatedAt,
		Payload:    []byte(`{}`),
	}
}

func TestLastWriteWins(t *testing.T) {
	tests := []struct {
		name   string
		local  time.Time
		server time.Time
		want   Decision
	}{
		{"local newer", base.Add(time.Second), base, KeepLocal},
		{"server newer", base, base.Add(time.Second), KeepServer},
		{"exact tie favors server", base, base, KeepServer},
		{"local newer by a nanosecond", base.Add(time.Nanosecond), base, KeepLocal},
		{"server newer by a nanosecond", base, base.Add(time.Nanosecond), KeepServer},
	}

	r := LastWriteWins{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(candidate("mood_entry", tt.local), candidate("mood_entry", tt.server))
			if got != tt.want {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLastWriteWins_Deterministic(t *testing.T) {
	r := LastWriteWins{}
	local := candidate("mood_entry", base.Add(time.Minute))
	server := candidate("mood_entry", base)

	first := r.Resolve(local, server)
	for i := 0; i < 100; i++ {
		if got := r.Resolve(local, server); got != first {
			t.Fatalf("resolution not deterministic: %v then %v", first, got)
		}
	}
}

func TestPerType(t *testing.T) {
	r := NewPerType("crisis_plan")

	tests := []struct {
		name       string
		entityType string
		local      time.Time
		server     time.Time
		want       Decision
	}{
		{"manual type always manual, local newer", "crisis_plan", base.Add(time.Hour), base, Manual},
		{"manual type always manual, server newer", "crisis_plan", base, base.Add(time.Hour), Manual},
		{"other type local newer", "mood_entry", base.Add(time.Hour), base, KeepLocal},
		{"other type server newer", "mood_entry", base, base.Add(time.Hour), KeepServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve(candidate(tt.entityType, tt.local), candidate(tt.entityType, tt.server))
			if got != tt.want {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}
