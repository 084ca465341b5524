package processor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/novahub/nova-hub/internal/catalog"
	"github.com/novahub/nova-hub/internal/config"
	"github.com/novahub/nova-hub/internal/runner"
)

type fakeStore struct {
	unprocessed []*catalog.Packet
	leagues     map[int64]*catalog.League
	leaguesByKey map[string]*catalog.League
	memberships map[int64][]*catalog.Membership
	nextLeagueID int64

	runs       []*catalog.ProcessingRun
	nextRunID  int64
	upserted   []*catalog.Packet
	nodelists  []string
	marked     []int64
	artifacts  []string
	activeLeagues []*catalog.League
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		leagues:      map[int64]*catalog.League{},
		leaguesByKey: map[string]*catalog.League{},
		memberships:  map[int64][]*catalog.Membership{},
	}
}

func (f *fakeStore) addLeague(l *catalog.League) {
	f.nextLeagueID++
	l.ID = f.nextLeagueID
	f.leagues[l.ID] = l
	f.leaguesByKey[l.Key()] = l
}

func (f *fakeStore) ListUnprocessedPackets(ctx context.Context) ([]*catalog.Packet, error) {
	return f.unprocessed, nil
}

func (f *fakeStore) GetLeagueByID(ctx context.Context, id int64) (*catalog.League, error) {
	l, ok := f.leagues[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return l, nil
}

func (f *fakeStore) GetOrCreateLeague(ctx context.Context, leagueNumber, gameType, displayName string, allowCreate bool) (*catalog.League, bool, error) {
	key := leagueNumber + gameType
	if l, ok := f.leaguesByKey[key]; ok {
		return l, false, nil
	}
	if !allowCreate {
		return nil, false, catalog.ErrNotFound
	}
	l := &catalog.League{LeagueNumber: leagueNumber, GameType: gameType, DisplayName: displayName, Active: true}
	f.addLeague(l)
	return l, true, nil
}

func (f *fakeStore) ListActiveLeagues(ctx context.Context) ([]*catalog.League, error) {
	return f.activeLeagues, nil
}

func (f *fakeStore) ListActiveMemberships(ctx context.Context, leagueID int64) ([]*catalog.Membership, error) {
	return f.memberships[leagueID], nil
}

func (f *fakeStore) UpsertPacket(ctx context.Context, p *catalog.Packet) (*catalog.Packet, error) {
	f.upserted = append(f.upserted, p)
	return p, nil
}

func (f *fakeStore) UpsertNodelistPacket(ctx context.Context, filename string, leagueID int64, destBBSIndexHex string, destClientID int64, payload []byte, checksum string) error {
	f.nodelists = append(f.nodelists, filename+":"+destBBSIndexHex)
	return nil
}

func (f *fakeStore) MarkProcessed(ctx context.Context, packetID, runID int64) error {
	f.marked = append(f.marked, packetID)
	return nil
}

func (f *fakeStore) CreateProcessingRun(ctx context.Context, leagueID *int64) (*catalog.ProcessingRun, error) {
	f.nextRunID++
	run := &catalog.ProcessingRun{ID: f.nextRunID, LeagueID: leagueID, Status: catalog.RunStatusRunning}
	f.runs = append(f.runs, run)
	return run, nil
}

func (f *fakeStore) CompleteProcessingRun(ctx context.Context, runID int64, status catalog.RunStatus, packetsProcessed, packetsFailed int, exitCode *int, capturedOutput []byte, errMsg *string) error {
	for _, r := range f.runs {
		if r.ID == runID {
			r.Status = status
			r.PacketsProcessed = packetsProcessed
			r.PacketsFailed = packetsFailed
		}
	}
	return nil
}

func (f *fakeStore) InsertProcessingArtifact(ctx context.Context, runID int64, artifactType catalog.ArtifactType, filename string, payload []byte) error {
	f.artifacts = append(f.artifacts, filename)
	return nil
}

type fakePublisher struct {
	available []string
	nodelist  []string
	started   int
	completed []int64
}

func (f *fakePublisher) PublishPacketAvailable(filename, dest string) {
	f.available = append(f.available, filename+":"+dest)
}
func (f *fakePublisher) PublishNodelistAvailable(leagueNumber, game string) {
	f.nodelist = append(f.nodelist, leagueNumber+game)
}
func (f *fakePublisher) PublishProcessingStarted()          { f.started++ }
func (f *fakePublisher) PublishProcessingComplete(id int64) { f.completed = append(f.completed, id) }

type fakeRunner struct {
	root   string
	result runner.Result
	err    error
}

func (f *fakeRunner) WorkDir(route runner.Route) (string, string, string, error) {
	dir := filepath.Join(f.root, route.Game, route.LeagueNumber)
	inbound := filepath.Join(dir, "inbound")
	outbound := filepath.Join(dir, "outbound")
	for _, d := range []string{dir, inbound, outbound} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return "", "", "", err
		}
	}
	return dir, inbound, outbound, nil
}

func (f *fakeRunner) Run(ctx context.Context, route runner.Route) (runner.Result, error) {
	return f.result, f.err
}

func TestProcessor_RunOnce_NoWorkStillSweeps(t *testing.T) {
	dataDir := t.TempDir()
	store := newFakeStore()
	pub := &fakePublisher{}
	r := &fakeRunner{root: t.TempDir(), result: runner.Result{Status: runner.StatusSuccess}}

	p := New(store, r, pub, nil, nil, dataDir, map[string]config.LeagueConfig{}, 1, zap.NewNop())
	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if pub.started != 1 || len(pub.completed) != 1 {
		t.Errorf("expected one start/complete event pair, got started=%d completed=%v", pub.started, pub.completed)
	}
}

func TestProcessor_RunOnce_StagesAndMarksProcessed(t *testing.T) {
	dataDir := t.TempDir()
	store := newFakeStore()
	store.addLeague(&catalog.League{LeagueNumber: "555", GameType: "B"})
	league := store.leaguesByKey["555B"]

	filename := "555B0201.001"
	if err := os.MkdirAll(filepath.Join(dataDir, "packets", "inbound"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, "packets", "inbound", filename), []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	store.unprocessed = []*catalog.Packet{{ID: 1, Filename: filename, LeagueID: league.ID}}

	pub := &fakePublisher{}
	r := &fakeRunner{root: t.TempDir(), result: runner.Result{Status: runner.StatusSuccess}}
	leagues := map[string]config.LeagueConfig{"555B": {ProcessingCommand: "GAME.EXE"}}

	p := New(store, r, pub, nil, nil, dataDir, leagues, 1, zap.NewNop())
	if err := p.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(store.marked) != 1 || store.marked[0] != 1 {
		t.Errorf("marked = %v, want [1]", store.marked)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "packets", "processed", filename)); err != nil {
		t.Errorf("expected archived file: %v", err)
	}
}

func TestProcessor_CollectOutbound_SkipsHubDestination(t *testing.T) {
	dataDir := t.TempDir()
	store := newFakeStore()
	store.addLeague(&catalog.League{LeagueNumber: "555", GameType: "B"})
	league := store.leaguesByKey["555B"]

	outboundDir := t.TempDir()
	// dest "01" equals hub's own bbs index (1 -> "01"), should be skipped
	if err := os.WriteFile(filepath.Join(outboundDir, "555B0201.001"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	pub := &fakePublisher{}
	p := New(store, &fakeRunner{root: t.TempDir()}, pub, nil, nil, dataDir, nil, 1, zap.NewNop())

	if err := p.collectOutbound(context.Background(), 1, outboundDir, league, "B"); err != nil {
		t.Fatalf("collectOutbound: %v", err)
	}
	if len(store.upserted) != 0 {
		t.Errorf("expected no upserts for hub-destined packet, got %d", len(store.upserted))
	}
}

func TestProcessor_CollectOutbound_NodelistFanOut(t *testing.T) {
	dataDir := t.TempDir()
	store := newFakeStore()
	store.addLeague(&catalog.League{LeagueNumber: "555", GameType: "B"})
	league := store.leaguesByKey["555B"]
	store.memberships[league.ID] = []*catalog.Membership{
		{ID: 1, ClientID: 10, LeagueID: league.ID, BBSIndex: 2, Active: true},
		{ID: 2, ClientID: 11, LeagueID: league.ID, BBSIndex: 3, Active: true},
	}

	outboundDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(outboundDir, "BRNODES.555"), []byte("nodelist"), 0o644); err != nil {
		t.Fatal(err)
	}

	pub := &fakePublisher{}
	p := New(store, &fakeRunner{root: t.TempDir()}, pub, nil, nil, dataDir, nil, 1, zap.NewNop())

	if err := p.collectOutbound(context.Background(), 1, outboundDir, league, "B"); err != nil {
		t.Fatalf("collectOutbound: %v", err)
	}
	if len(store.nodelists) != 2 {
		t.Errorf("nodelist upserts = %d, want 2", len(store.nodelists))
	}
	if len(pub.nodelist) != 1 {
		t.Errorf("nodelist_available publishes = %d, want 1", len(pub.nodelist))
	}
	if _, err := os.Stat(filepath.Join(dataDir, "nodelists", "B", "555", "BRNODES.555")); err != nil {
		t.Errorf("expected canonical nodelist file on disk: %v", err)
	}
}
