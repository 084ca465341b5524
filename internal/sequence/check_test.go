package sequence

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/novahub/nova-hub/internal/catalog"
)

type fakeStore struct {
	routes       []catalog.RouteKey
	seqsByRoute  map[catalog.RouteKey][]int
	alerts       []*catalog.SequenceAlert
	nextAlertID  int64
	existingSeqs map[string]bool
	resolved     []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		seqsByRoute:  map[catalog.RouteKey][]int{},
		existingSeqs: map[string]bool{},
	}
}

func (f *fakeStore) ListRoutesWithPackets(ctx context.Context) ([]catalog.RouteKey, error) {
	return f.routes, nil
}

func (f *fakeStore) ListSequenceNumbers(ctx context.Context, leagueID int64, src, dst string) ([]int, error) {
	return f.seqsByRoute[catalog.RouteKey{LeagueID: leagueID, SrcIdx: src, DstIdx: dst}], nil
}

func (f *fakeStore) CreateAlertIfAbsent(ctx context.Context, a *catalog.SequenceAlert) (bool, error) {
	for _, existing := range f.alerts {
		if existing.ResolvedAt == nil && existing.LeagueID == a.LeagueID && existing.SourceIdx == a.SourceIdx &&
			existing.DestIdx == a.DestIdx && existing.ExpectedSeq == a.ExpectedSeq {
			return false, nil
		}
	}
	f.nextAlertID++
	a.ID = f.nextAlertID
	f.alerts = append(f.alerts, a)
	return true, nil
}

func (f *fakeStore) ListUnresolvedAlerts(ctx context.Context) ([]*catalog.SequenceAlert, error) {
	var out []*catalog.SequenceAlert
	for _, a := range f.alerts {
		if a.ResolvedAt == nil {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) PacketExistsForSequence(ctx context.Context, leagueID int64, src, dst string, seq int) (bool, error) {
	key := routeSeqKey(leagueID, src, dst, seq)
	return f.existingSeqs[key], nil
}

func (f *fakeStore) ResolveAlert(ctx context.Context, alertID int64, note string) error {
	for _, a := range f.alerts {
		if a.ID == alertID {
			now := a.DetectedAt
			a.ResolvedAt = &now
			a.Description = note
		}
	}
	f.resolved = append(f.resolved, alertID)
	return nil
}

func routeSeqKey(leagueID int64, src, dst string, seq int) string {
	return string(rune(leagueID)) + src + dst + string(rune(seq))
}

type fakePublisher struct {
	published []int64
}

func (f *fakePublisher) PublishAlertCreated(alertID int64) {
	f.published = append(f.published, alertID)
}

func TestChecker_CheckRoute_CreatesAlert(t *testing.T) {
	fs := newFakeStore()
	route := catalog.RouteKey{LeagueID: 1, SrcIdx: "02", DstIdx: "01"}
	fs.seqsByRoute[route] = []int{1, 2, 5, 6}
	pub := &fakePublisher{}
	c := NewChecker(fs, pub, zap.NewNop())

	if err := c.CheckRoute(context.Background(), route); err != nil {
		t.Fatalf("CheckRoute: %v", err)
	}
	if len(fs.alerts) != 2 {
		t.Fatalf("len(alerts) = %d, want 2", len(fs.alerts))
	}
	if len(pub.published) != 2 {
		t.Errorf("len(published) = %d, want 2", len(pub.published))
	}
}

func TestChecker_CheckRoute_Idempotent(t *testing.T) {
	fs := newFakeStore()
	route := catalog.RouteKey{LeagueID: 1, SrcIdx: "02", DstIdx: "01"}
	fs.seqsByRoute[route] = []int{1, 2, 5, 6}
	c := NewChecker(fs, &fakePublisher{}, zap.NewNop())

	ctx := context.Background()
	if err := c.CheckRoute(ctx, route); err != nil {
		t.Fatalf("CheckRoute (1st): %v", err)
	}
	if err := c.CheckRoute(ctx, route); err != nil {
		t.Fatalf("CheckRoute (2nd): %v", err)
	}
	if len(fs.alerts) != 2 {
		t.Fatalf("len(alerts) after rerun = %d, want 2 (no duplicates)", len(fs.alerts))
	}
}

func TestChecker_AutoResolve(t *testing.T) {
	fs := newFakeStore()
	route := catalog.RouteKey{LeagueID: 1, SrcIdx: "02", DstIdx: "01"}
	fs.seqsByRoute[route] = []int{1, 2, 5, 6}
	c := NewChecker(fs, &fakePublisher{}, zap.NewNop())
	ctx := context.Background()

	if err := c.CheckRoute(ctx, route); err != nil {
		t.Fatalf("CheckRoute: %v", err)
	}
	if len(fs.alerts) != 2 {
		t.Fatalf("precondition: expected 2 open alerts, got %d", len(fs.alerts))
	}

	fs.existingSeqs[routeSeqKey(1, "02", "01", 3)] = true
	fs.existingSeqs[routeSeqKey(1, "02", "01", 4)] = true

	resolved, err := c.AutoResolve(ctx)
	if err != nil {
		t.Fatalf("AutoResolve: %v", err)
	}
	if resolved != 2 {
		t.Errorf("resolved = %d, want 2", resolved)
	}
	open, _ := fs.ListUnresolvedAlerts(ctx)
	if len(open) != 0 {
		t.Errorf("len(open) after AutoResolve = %d, want 0", len(open))
	}
}
