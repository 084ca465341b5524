// Package watcher monitors one outbound directory per league and game
// (each Route's Dir) for newly written packet and nodelist files, waits for the file to
// settle (stop growing), then routes it into the hub's packet catalog
// the same way the batch processor's outbound collection does.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/novahub/nova-hub/internal/catalog"
	"github.com/novahub/nova-hub/internal/codec"
	"github.com/novahub/nova-hub/internal/metrics"
)

// Store is the subset of catalog.Store the watcher depends on.
type Store interface {
	GetLeague(ctx context.Context, leagueNumber, gameType string) (*catalog.League, error)
	UpsertPacket(ctx context.Context, p *catalog.Packet) (*catalog.Packet, error)
	ListActiveMemberships(ctx context.Context, leagueID int64) ([]*catalog.Membership, error)
	UpsertNodelistPacket(ctx context.Context, filename string, leagueID int64, destBBSIndexHex string, destClientID int64, payload []byte, checksum string) error
}

// Publisher is the narrow slice of the event bus the watcher needs.
type Publisher interface {
	PublishPacketAvailable(filename, dest string)
	PublishNodelistAvailable(leagueNumber, game string)
}

// Route is one directory the watcher follows, holding the outbound
// files of a single league+game.
type Route struct {
	LeagueNumber string
	Game         string
	Dir          string
}

// Watcher settles files written into a set of directories and hands
// them to the catalog. Settling waits for a file's size to stop
// changing across two checks before treating it as complete, since a
// slow DOS-era writer can take several seconds to finish a file.
type Watcher struct {
	store      Store
	bus        Publisher
	outboundTo func(leagueNumber, game string) string // hub-side packets/outbound directory
	logger     *zap.Logger

	// settleDelays are the three waits the default settle protocol
	// uses (initial, resample, and extra-on-change); tests shrink
	// these from the real wall-clock defaults.
	settleDelays [3]time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

func New(store Store, bus Publisher, outboundTo func(leagueNumber, game string) string, logger *zap.Logger) *Watcher {
	return &Watcher{
		store:        store,
		bus:          bus,
		outboundTo:   outboundTo,
		logger:       logger,
		settleDelays: [3]time.Duration{2 * time.Second, 1 * time.Second, 3 * time.Second},
		inFlight:     map[string]struct{}{},
	}
}

// Run watches routes until ctx is canceled. It performs a startup
// sweep of each directory's existing contents before entering the
// event loop, so files dropped while the watcher wasn't running are
// not lost.
func (w *Watcher) Run(ctx context.Context, routes []Route) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	dirToRoute := map[string]Route{}
	for _, r := range routes {
		if err := os.MkdirAll(r.Dir, 0o755); err != nil {
			return fmt.Errorf("ensure watch dir %s: %w", r.Dir, err)
		}
		if err := fsw.Add(r.Dir); err != nil {
			return fmt.Errorf("watch %s: %w", r.Dir, err)
		}
		dirToRoute[filepath.Clean(r.Dir)] = r
	}

	for _, r := range routes {
		w.sweep(ctx, r)
	}

	defer w.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			route, ok := dirToRoute[filepath.Clean(filepath.Dir(ev.Name))]
			if !ok {
				continue
			}
			w.spawn(ctx, route, filepath.Base(ev.Name))
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			if w.logger != nil {
				w.logger.Error("fsnotify error", zap.Error(err))
			}
		}
	}
}

// sweep handles every regular file already present in route.Dir at
// startup, as if each had just arrived.
func (w *Watcher) sweep(ctx context.Context, route Route) {
	entries, err := os.ReadDir(route.Dir)
	if err != nil {
		if w.logger != nil {
			w.logger.Error("startup sweep failed", zap.String("dir", route.Dir), zap.Error(err))
		}
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.spawn(ctx, route, e.Name())
	}
}

// spawn runs handle for one claimed file in its own goroutine, so a
// slow settle on one file never delays events for any other. wg lets
// Run drain in-flight handlers before returning on shutdown.
func (w *Watcher) spawn(ctx context.Context, route Route, name string) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.handle(ctx, route, name)
	}()
}

// handle settles and ingests one filename within route.Dir. Directories
// and names that don't parse as a packet or nodelist filename are
// rejected up front.
func (w *Watcher) handle(ctx context.Context, route Route, name string) {
	path := filepath.Join(route.Dir, name)

	if info, err := os.Stat(path); err != nil || info.IsDir() {
		metrics.WatcherEventsTotal.WithLabelValues("rejected").Inc()
		return
	}

	leagueNumber, game, isNodelist := codec.IsNodelistName(name)
	parsed, isPacket := codec.Parse(name)
	if !isNodelist && !isPacket {
		if w.logger != nil {
			w.logger.Warn("unrecognized filename, skipping", zap.String("path", path))
		}
		metrics.WatcherEventsTotal.WithLabelValues("rejected").Inc()
		return
	}

	if !w.claim(path) {
		return
	}
	defer w.release(path)

	if !w.settle(path) {
		metrics.WatcherEventsTotal.WithLabelValues("vanished").Inc()
		return
	}

	if isNodelist {
		w.ingestNodelist(ctx, path, leagueNumber, game)
		return
	}
	if parsed.League != route.LeagueNumber || parsed.Game != route.Game {
		if w.logger != nil {
			w.logger.Warn("filename route mismatch", zap.String("path", path))
		}
		metrics.WatcherEventsTotal.WithLabelValues("rejected").Inc()
		return
	}
	w.ingestPacket(ctx, path, parsed)
}

func (w *Watcher) claim(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, busy := w.inFlight[path]; busy {
		return false
	}
	w.inFlight[path] = struct{}{}
	return true
}

func (w *Watcher) release(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inFlight, path)
}

// settle waits for path's size to stabilize: an initial 2s pause, a
// sample, a 1s pause, a resample; if the size changed across those two
// samples it waits another 3s before giving the writer a final chance.
// Returns false if the file disappeared before settling (e.g. the
// writer itself renamed it away).
func (w *Watcher) settle(path string) bool {
	time.Sleep(w.settleDelays[0])
	first, err := os.Stat(path)
	if err != nil {
		return false
	}

	time.Sleep(w.settleDelays[1])
	second, err := os.Stat(path)
	if err != nil {
		return false
	}

	if second.Size() != first.Size() {
		time.Sleep(w.settleDelays[2])
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

func (w *Watcher) ingestPacket(ctx context.Context, path string, parsed codec.Name) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if w.logger != nil {
			w.logger.Error("read settled packet failed", zap.String("path", path), zap.Error(err))
		}
		metrics.WatcherEventsTotal.WithLabelValues("error").Inc()
		return
	}
	sum := sha256.Sum256(payload)
	checksum := hex.EncodeToString(sum[:])
	canonical := codec.Format(parsed)

	league, err := w.store.GetLeague(ctx, parsed.League, parsed.Game)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("no catalog league for watched file, leaving in place", zap.String("path", path), zap.Error(err))
		}
		metrics.WatcherEventsTotal.WithLabelValues("unknown_league").Inc()
		return
	}

	dstDir := w.outboundTo(parsed.League, parsed.Game)
	if err := moveCanonical(path, dstDir, canonical); err != nil {
		if w.logger != nil {
			w.logger.Error("move watched packet failed", zap.String("path", path), zap.Error(err))
		}
		metrics.WatcherEventsTotal.WithLabelValues("error").Inc()
		return
	}

	if _, err := w.store.UpsertPacket(ctx, &catalog.Packet{
		Filename:       canonical,
		LeagueID:       league.ID,
		SourceBBSIndex: parsed.Src,
		DestBBSIndex:   parsed.Dst,
		SequenceNumber: parsed.Seq,
		Payload:        payload,
		Size:           int64(len(payload)),
		Checksum:       checksum,
	}); err != nil {
		if w.logger != nil {
			w.logger.Error("upsert watched packet failed", zap.String("path", path), zap.Error(err))
		}
		metrics.WatcherEventsTotal.WithLabelValues("error").Inc()
		return
	}

	w.bus.PublishPacketAvailable(canonical, parsed.Dst)
	metrics.WatcherEventsTotal.WithLabelValues("ingested").Inc()
}

// ingestNodelist mirrors the batch processor's nodelist fan-out: one
// packet row per active member of the league, all pointing at the same
// canonical file.
func (w *Watcher) ingestNodelist(ctx context.Context, path, leagueNumber, game string) {
	league, err := w.store.GetLeague(ctx, leagueNumber, game)
	if err != nil {
		if w.logger != nil {
			w.logger.Warn("no catalog league for watched nodelist, leaving in place", zap.String("path", path), zap.Error(err))
		}
		metrics.WatcherEventsTotal.WithLabelValues("unknown_league").Inc()
		return
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		if w.logger != nil {
			w.logger.Error("read settled nodelist failed", zap.String("path", path), zap.Error(err))
		}
		metrics.WatcherEventsTotal.WithLabelValues("error").Inc()
		return
	}
	sum := sha256.Sum256(payload)
	checksum := hex.EncodeToString(sum[:])
	canonical := codec.NodelistName(game, leagueNumber)

	dstDir := w.outboundTo(leagueNumber, game)
	if err := moveCanonical(path, dstDir, canonical); err != nil {
		if w.logger != nil {
			w.logger.Error("move watched nodelist failed", zap.String("path", path), zap.Error(err))
		}
		metrics.WatcherEventsTotal.WithLabelValues("error").Inc()
		return
	}

	members, err := w.store.ListActiveMemberships(ctx, league.ID)
	if err != nil {
		if w.logger != nil {
			w.logger.Error("list active memberships failed", zap.String("path", path), zap.Error(err))
		}
		metrics.WatcherEventsTotal.WithLabelValues("error").Inc()
		return
	}
	for _, m := range members {
		destHex := fmt.Sprintf("%02X", m.BBSIndex)
		if err := w.store.UpsertNodelistPacket(ctx, canonical, league.ID, destHex, m.ClientID, payload, checksum); err != nil {
			if w.logger != nil {
				w.logger.Error("nodelist upsert failed", zap.Int64("membership_id", m.ID), zap.Error(err))
			}
		}
	}

	w.bus.PublishNodelistAvailable(leagueNumber, game)
	metrics.WatcherEventsTotal.WithLabelValues("ingested").Inc()
}
