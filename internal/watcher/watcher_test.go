package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/novahub/nova-hub/internal/catalog"
)

type fakeStore struct {
	leagues     map[string]*catalog.League
	memberships map[int64][]*catalog.Membership
	upserted    []*catalog.Packet
	nodelists   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		leagues:     map[string]*catalog.League{},
		memberships: map[int64][]*catalog.Membership{},
	}
}

func (f *fakeStore) GetLeague(ctx context.Context, leagueNumber, gameType string) (*catalog.League, error) {
	l, ok := f.leagues[leagueNumber+gameType]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return l, nil
}

func (f *fakeStore) UpsertPacket(ctx context.Context, p *catalog.Packet) (*catalog.Packet, error) {
	f.upserted = append(f.upserted, p)
	return p, nil
}

func (f *fakeStore) ListActiveMemberships(ctx context.Context, leagueID int64) ([]*catalog.Membership, error) {
	return f.memberships[leagueID], nil
}

func (f *fakeStore) UpsertNodelistPacket(ctx context.Context, filename string, leagueID int64, destBBSIndexHex string, destClientID int64, payload []byte, checksum string) error {
	f.nodelists = append(f.nodelists, filename+":"+destBBSIndexHex)
	return nil
}

type fakePublisher struct {
	available []string
	nodelist  []string
}

func (f *fakePublisher) PublishPacketAvailable(filename, dest string) {
	f.available = append(f.available, filename+":"+dest)
}
func (f *fakePublisher) PublishNodelistAvailable(leagueNumber, game string) {
	f.nodelist = append(f.nodelist, leagueNumber+game)
}

func newTestWatcher(store Store, bus Publisher, outboundTo func(string, string) string) *Watcher {
	w := New(store, bus, outboundTo, zap.NewNop())
	w.settleDelays = [3]time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	return w
}

func TestWatcher_IngestPacket_MovesAndUpserts(t *testing.T) {
	store := newFakeStore()
	store.leagues["555B"] = &catalog.League{ID: 1, LeagueNumber: "555", GameType: "B"}
	pub := &fakePublisher{}

	outDir := t.TempDir()
	w := newTestWatcher(store, pub, func(leagueNumber, game string) string { return outDir })

	srcDir := t.TempDir()
	name := "555B0201.001"
	if err := os.WriteFile(filepath.Join(srcDir, name), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	route := Route{LeagueNumber: "555", Game: "B", Dir: srcDir}
	w.handle(context.Background(), route, name)

	if len(store.upserted) != 1 {
		t.Fatalf("upserted = %d, want 1", len(store.upserted))
	}
	if _, err := os.Stat(filepath.Join(outDir, name)); err != nil {
		t.Errorf("expected canonical file in outbound dir: %v", err)
	}
	if len(pub.available) != 1 {
		t.Errorf("expected one packet_available publish, got %d", len(pub.available))
	}
}

func TestWatcher_UnknownLeague_LeavesFileInPlace(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	outDir := t.TempDir()
	w := newTestWatcher(store, pub, func(string, string) string { return outDir })

	srcDir := t.TempDir()
	name := "555B0201.001"
	path := filepath.Join(srcDir, name)
	if err := os.WriteFile(path, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	route := Route{LeagueNumber: "555", Game: "B", Dir: srcDir}
	w.handle(context.Background(), route, name)

	if len(store.upserted) != 0 {
		t.Errorf("expected no upsert for unknown league, got %d", len(store.upserted))
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected file left in place: %v", err)
	}
}

func TestWatcher_NodelistFanOut(t *testing.T) {
	store := newFakeStore()
	store.leagues["555B"] = &catalog.League{ID: 1, LeagueNumber: "555", GameType: "B"}
	store.memberships[1] = []*catalog.Membership{
		{ID: 1, ClientID: 10, LeagueID: 1, BBSIndex: 2, Active: true},
		{ID: 2, ClientID: 11, LeagueID: 1, BBSIndex: 3, Active: true},
	}
	pub := &fakePublisher{}
	outDir := t.TempDir()
	w := newTestWatcher(store, pub, func(string, string) string { return outDir })

	srcDir := t.TempDir()
	name := "BRNODES.555"
	if err := os.WriteFile(filepath.Join(srcDir, name), []byte("nodelist"), 0o644); err != nil {
		t.Fatal(err)
	}

	route := Route{LeagueNumber: "555", Game: "B", Dir: srcDir}
	w.handle(context.Background(), route, name)

	if len(store.nodelists) != 2 {
		t.Errorf("nodelist upserts = %d, want 2", len(store.nodelists))
	}
	if len(pub.nodelist) != 1 {
		t.Errorf("nodelist_available publishes = %d, want 1", len(pub.nodelist))
	}
}

func TestWatcher_InFlightDedup_PreventsConcurrentHandling(t *testing.T) {
	store := newFakeStore()
	pub := &fakePublisher{}
	w := newTestWatcher(store, pub, func(string, string) string { return t.TempDir() })

	path := filepath.Join(t.TempDir(), "x")
	if !w.claim(path) {
		t.Fatal("first claim should succeed")
	}
	if w.claim(path) {
		t.Error("second claim of the same path should fail while in flight")
	}
	w.release(path)
	if !w.claim(path) {
		t.Error("claim should succeed again after release")
	}
}

func TestWatcher_RouteMismatch_Rejected(t *testing.T) {
	store := newFakeStore()
	store.leagues["555B"] = &catalog.League{ID: 1, LeagueNumber: "555", GameType: "B"}
	pub := &fakePublisher{}
	w := newTestWatcher(store, pub, func(string, string) string { return t.TempDir() })

	srcDir := t.TempDir()
	name := "555B0201.001"
	if err := os.WriteFile(filepath.Join(srcDir, name), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	// route claims league 777, file says 555: mismatch should be rejected.
	route := Route{LeagueNumber: "777", Game: "B", Dir: srcDir}
	w.handle(context.Background(), route, name)

	if len(store.upserted) != 0 {
		t.Errorf("expected no upsert on route mismatch, got %d", len(store.upserted))
	}
}

func TestWatcher_StartupSweep_HandlesExistingFiles(t *testing.T) {
	store := newFakeStore()
	store.leagues["555B"] = &catalog.League{ID: 1, LeagueNumber: "555", GameType: "B"}
	pub := &fakePublisher{}
	outDir := t.TempDir()
	w := newTestWatcher(store, pub, func(string, string) string { return outDir })

	srcDir := t.TempDir()
	name := "555B0201.001"
	if err := os.WriteFile(filepath.Join(srcDir, name), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	route := Route{LeagueNumber: "555", Game: "B", Dir: srcDir}
	w.sweep(context.Background(), route)
	w.wg.Wait()

	if len(store.upserted) != 1 {
		t.Errorf("expected sweep to ingest the pre-existing file, upserted=%d", len(store.upserted))
	}
}
