package sequence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/novahub/nova-hub/internal/catalog"
	"github.com/novahub/nova-hub/internal/metrics"
)

// Store is the subset of catalog.Store the Checker needs.
type Store interface {
	ListRoutesWithPackets(ctx context.Context) ([]catalog.RouteKey, error)
	ListSequenceNumbers(ctx context.Context, leagueID int64, src, dst string) ([]int, error)
	CreateAlertIfAbsent(ctx context.Context, a *catalog.SequenceAlert) (bool, error)
	ListUnresolvedAlerts(ctx context.Context) ([]*catalog.SequenceAlert, error)
	PacketExistsForSequence(ctx context.Context, leagueID int64, src, dst string, seq int) (bool, error)
	ResolveAlert(ctx context.Context, alertID int64, note string) error
}

// Publisher is the narrow slice of the event bus a Checker needs to
// announce newly created alerts.
type Publisher interface {
	PublishAlertCreated(alertID int64)
}

// Checker runs the gap-detection algorithm across every known route
// and reconciles previously-open alerts against newly arrived packets.
type Checker struct {
	store  Store
	bus    Publisher
	logger *zap.Logger
}

func NewChecker(store Store, bus Publisher, logger *zap.Logger) *Checker {
	return &Checker{store: store, bus: bus, logger: logger}
}

// CheckRoute runs gap detection for a single (league, src, dst) route
// and records any newly discovered gap as an alert.
func (c *Checker) CheckRoute(ctx context.Context, route catalog.RouteKey) error {
	seqs, err := c.store.ListSequenceNumbers(ctx, route.LeagueID, route.SrcIdx, route.DstIdx)
	if err != nil {
		return fmt.Errorf("list sequence numbers: %w", err)
	}
	gaps := FindGaps(seqs)
	for _, g := range gaps {
		alert := &catalog.SequenceAlert{
			LeagueID:    route.LeagueID,
			SourceIdx:   route.SrcIdx,
			DestIdx:     route.DstIdx,
			ExpectedSeq: g.ExpectedSeq,
			ReceivedSeq: g.Received,
			GapSize:     g.GapSize,
			Description: fmt.Sprintf("expected sequence %03d, but received %03d", g.ExpectedSeq, g.Received),
		}
		created, err := c.store.CreateAlertIfAbsent(ctx, alert)
		if err != nil {
			return fmt.Errorf("create alert: %w", err)
		}
		if created {
			metrics.SequenceAlertsCreatedTotal.WithLabelValues(fmt.Sprintf("%d", route.LeagueID)).Inc()
			if c.bus != nil {
				c.bus.PublishAlertCreated(alert.ID)
			}
			c.logger.Info("sequence gap detected",
				zap.Int64("league_id", route.LeagueID),
				zap.String("src", route.SrcIdx),
				zap.String("dst", route.DstIdx),
				zap.Int("expected_seq", g.ExpectedSeq),
				zap.Int("received_seq", g.Received),
				zap.Int("gap_size", g.GapSize))
		}
	}
	return nil
}

// CheckAll sweeps every route that has at least one packet on record,
// then auto-resolves open alerts whose expected packet has arrived.
func (c *Checker) CheckAll(ctx context.Context) error {
	routes, err := c.store.ListRoutesWithPackets(ctx)
	if err != nil {
		return fmt.Errorf("list routes: %w", err)
	}
	for _, route := range routes {
		if err := c.CheckRoute(ctx, route); err != nil {
			return err
		}
	}
	if _, err := c.AutoResolve(ctx); err != nil {
		return err
	}
	return nil
}

// AutoResolve reconciles unresolved alerts against the current packet
// set: an alert whose expected sequence has since arrived is marked
// resolved.
func (c *Checker) AutoResolve(ctx context.Context) (int, error) {
	alerts, err := c.store.ListUnresolvedAlerts(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unresolved alerts: %w", err)
	}
	resolved := 0
	for _, a := range alerts {
		exists, err := c.store.PacketExistsForSequence(ctx, a.LeagueID, a.SourceIdx, a.DestIdx, a.ExpectedSeq)
		if err != nil {
			return resolved, fmt.Errorf("check packet existence: %w", err)
		}
		if !exists {
			continue
		}
		if err := c.store.ResolveAlert(ctx, a.ID, "received"); err != nil {
			return resolved, fmt.Errorf("resolve alert %d: %w", a.ID, err)
		}
		resolved++
	}
	return resolved, nil
}
