package events

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		want    bool
	}{
		{"cache:hit", "cache:hit", true},
		{"cache:*", "cache:hit", true},
		{"cache:*", "cache:get:timeout", false},
		{"cache:#", "cache:get:timeout", true},
		{"cache:#", "cache", true},
		{"#:timeout", "cache:set:timeout", true},
		{"*:start", "run:start", true},
		{"*:start", "step", false},
		{"#", "step", true},
		{"run:*", "cache:hit", false},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.name); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
}

func TestBusPatternSubscription(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.On(CacheHit, func(any) { got = append(got, "exact") })
	sub := bus.On("cache:*", func(any) { got = append(got, "pattern") })
	bus.On(CacheHit, func(any) { got = append(got, "late") })

	bus.Emit(CacheHit, nil)
	if len(got) != 3 || got[0] != "exact" || got[1] != "pattern" || got[2] != "late" {
		t.Fatalf("expected subscription order, got %v", got)
	}
	if bus.Listeners(CacheMiss) != 1 {
		t.Fatalf("expected pattern listener on %s", CacheMiss)
	}

	sub.Unsubscribe()
	if bus.Listeners(CacheMiss) != 0 {
		t.Fatal("expected pattern listener removed")
	}
	if bus.Emit(RunStart, nil) {
		t.Fatal("expected no listeners for run:start")
	}
}
