package catalog

import "testing"

func TestLeague_Key(t *testing.T) {
	l := &League{LeagueNumber: "555", GameType: "B"}
	if got := l.Key(); got != "555B" {
		t.Errorf("Key() = %q, want %q", got, "555B")
	}
}
