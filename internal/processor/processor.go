package processor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/novahub/nova-hub/internal/catalog"
	"github.com/novahub/nova-hub/internal/codec"
	"github.com/novahub/nova-hub/internal/config"
	"github.com/novahub/nova-hub/internal/metrics"
	"github.com/novahub/nova-hub/internal/runner"
)

// the two game families a run is partitioned into.
const (
	gameBridge = "B"
	gameFido   = "F"
)

// Store is the subset of catalog.Store the processor depends on.
type Store interface {
	ListUnprocessedPackets(ctx context.Context) ([]*catalog.Packet, error)
	GetLeagueByID(ctx context.Context, id int64) (*catalog.League, error)
	GetOrCreateLeague(ctx context.Context, leagueNumber, gameType, displayName string, allowCreate bool) (*catalog.League, bool, error)
	ListActiveLeagues(ctx context.Context) ([]*catalog.League, error)
	ListActiveMemberships(ctx context.Context, leagueID int64) ([]*catalog.Membership, error)
	UpsertPacket(ctx context.Context, p *catalog.Packet) (*catalog.Packet, error)
	UpsertNodelistPacket(ctx context.Context, filename string, leagueID int64, destBBSIndexHex string, destClientID int64, payload []byte, checksum string) error
	MarkProcessed(ctx context.Context, packetID, runID int64) error
	CreateProcessingRun(ctx context.Context, leagueID *int64) (*catalog.ProcessingRun, error)
	CompleteProcessingRun(ctx context.Context, runID int64, status catalog.RunStatus, packetsProcessed, packetsFailed int, exitCode *int, capturedOutput []byte, errMsg *string) error
	InsertProcessingArtifact(ctx context.Context, runID int64, artifactType catalog.ArtifactType, filename string, payload []byte) error
}

// Publisher is the narrow slice of the event bus the processor needs.
type Publisher interface {
	PublishPacketAvailable(filename, dest string)
	PublishNodelistAvailable(leagueNumber, game string)
	PublishProcessingStarted()
	PublishProcessingComplete(runID int64)
}

// Runner is the subset of runner.Runner the processor depends on.
type Runner interface {
	WorkDir(route runner.Route) (dir, inbound, outbound string, err error)
	Run(ctx context.Context, route runner.Route) (runner.Result, error)
}

// Checker is the subset of sequence.Checker the processor depends on.
type Checker interface {
	CheckAll(ctx context.Context) error
}

// StatsRecorder is the subset of stats.Aggregator the processor needs
// to keep the dashboard snapshot's last-run fields current.
type StatsRecorder interface {
	NoteRun(runID int64)
}

// Processor drives the end-to-end batch pipeline. At most one run is
// in flight process-wide; Trigger is a nonblocking no-op while one is
// already running.
type Processor struct {
	store   Store
	runner  Runner
	bus     Publisher
	checker Checker
	stats   StatsRecorder
	layout  Layout
	leagues map[string]config.LeagueConfig
	hubBBS  string // hub's own bbs_index as 2-hex, outbound to it is C7's job not ours
	logger  *zap.Logger

	running atomic.Bool
}

func New(store Store, r Runner, bus Publisher, checker Checker, stats StatsRecorder, dataDir string, leagues map[string]config.LeagueConfig, hubBBSIndex int, logger *zap.Logger) *Processor {
	return &Processor{
		store:   store,
		runner:  r,
		bus:     bus,
		checker: checker,
		stats:   stats,
		layout:  Layout{DataDir: dataDir},
		leagues: leagues,
		hubBBS:  strings.ToUpper(fmt.Sprintf("%02X", hubBBSIndex)),
		logger:  logger,
	}
}

// Trigger schedules a run if none is currently in flight. It never
// blocks the caller.
func (p *Processor) Trigger(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer p.running.Store(false)
		if err := p.RunOnce(ctx); err != nil && p.logger != nil {
			p.logger.Error("batch run failed", zap.Error(err))
		}
	}()
}

// RunOnce executes one full pass of the pipeline synchronously.
func (p *Processor) RunOnce(ctx context.Context) error {
	runStart := time.Now()
	defer func() {
		metrics.BatchRunDuration.WithLabelValues("all").Observe(time.Since(runStart).Seconds())
	}()

	p.bus.PublishProcessingStarted()

	packets, err := p.store.ListUnprocessedPackets(ctx)
	if err != nil {
		return fmt.Errorf("collect work: %w", err)
	}

	byGame, leagueErr := p.partitionByGame(ctx, packets)
	if leagueErr != nil {
		return fmt.Errorf("partition by game: %w", leagueErr)
	}

	run, err := p.store.CreateProcessingRun(ctx, nil)
	if err != nil {
		return fmt.Errorf("open run: %w", err)
	}

	var captured []byte
	var runErr error
	processed, failed := 0, 0

	for _, game := range []string{gameBridge, gameFido} {
		n, subsetOut, subsetErr := p.runSubset(ctx, run.ID, game, byGame[game])
		captured = append(captured, subsetOut...)
		processed += n
		if subsetErr != nil {
			failed += len(byGame[game]) - n
			runErr = subsetErr
		}
	}

	status := catalog.RunStatusCompleted
	var errMsg *string
	if runErr != nil {
		status = catalog.RunStatusError
		msg := runErr.Error()
		errMsg = &msg
	}
	if err := p.store.CompleteProcessingRun(ctx, run.ID, status, processed, failed, nil, captured, errMsg); err != nil {
		return fmt.Errorf("close run: %w", err)
	}
	metrics.BatchRunsTotal.WithLabelValues(string(status)).Inc()
	if p.stats != nil {
		p.stats.NoteRun(run.ID)
	}

	if p.checker != nil {
		if err := p.checker.CheckAll(ctx); err != nil && p.logger != nil {
			p.logger.Error("sequence sweep failed", zap.Error(err))
		}
	}

	if err := p.outboundSweep(ctx, run.ID); err != nil && p.logger != nil {
		p.logger.Error("outbound sweep failed", zap.Error(err))
	}

	p.bus.PublishProcessingComplete(run.ID)
	return nil
}

// partitionByGame groups unprocessed packets by their league's
// game_type into the two known subsets.
func (p *Processor) partitionByGame(ctx context.Context, packets []*catalog.Packet) (map[string][]*catalog.Packet, error) {
	out := map[string][]*catalog.Packet{gameBridge: nil, gameFido: nil}
	for _, pkt := range packets {
		league, err := p.store.GetLeagueByID(ctx, pkt.LeagueID)
		if err != nil {
			return nil, fmt.Errorf("resolve league for packet %d: %w", pkt.ID, err)
		}
		out[league.GameType] = append(out[league.GameType], pkt)
	}
	return out, nil
}

// runSubset executes phases 4.a-4.g for one game family's packets,
// grouped further by league since staging/run/collect are per-league.
func (p *Processor) runSubset(ctx context.Context, runID int64, game string, packets []*catalog.Packet) (processedCount int, captured []byte, err error) {
	byLeague := map[int64][]*catalog.Packet{}
	for _, pkt := range packets {
		byLeague[pkt.LeagueID] = append(byLeague[pkt.LeagueID], pkt)
	}

	var leagueIDs []int64
	for id := range byLeague {
		leagueIDs = append(leagueIDs, id)
	}
	sort.Slice(leagueIDs, func(i, j int) bool { return leagueIDs[i] < leagueIDs[j] })

	for _, leagueID := range leagueIDs {
		n, out, subErr := p.runLeagueSubset(ctx, runID, game, leagueID, byLeague[leagueID])
		captured = append(captured, out...)
		processedCount += n
		if subErr != nil {
			err = subErr
		}
	}
	return processedCount, captured, err
}

func (p *Processor) runLeagueSubset(ctx context.Context, runID int64, game string, leagueID int64, packets []*catalog.Packet) (int, []byte, error) {
	league, err := p.store.GetLeagueByID(ctx, leagueID)
	if err != nil {
		return 0, nil, fmt.Errorf("resolve league %d: %w", leagueID, err)
	}
	lc, ok := p.leagues[league.Key()]
	if !ok {
		return 0, nil, fmt.Errorf("no local configuration for league %s", league.Key())
	}

	_, inbound, outbound, err := p.runner.WorkDir(runner.Route{LeagueNumber: league.LeagueNumber, Game: game})
	if err != nil {
		return 0, nil, err
	}

	// 4.a Stage inbound: case-insensitive find in the hub inbound pool.
	var staged []*catalog.Packet
	for _, pkt := range packets {
		actualName, findErr := findCaseInsensitive(p.layout.PacketsInbound(), pkt.Filename)
		if findErr != nil {
			if p.logger != nil {
				p.logger.Error("stage lookup failed", zap.String("filename", pkt.Filename), zap.Error(findErr))
			}
			continue
		}
		if actualName == "" {
			if p.logger != nil {
				p.logger.Warn("staged packet missing on disk", zap.String("filename", pkt.Filename))
			}
			continue
		}
		src := filepath.Join(p.layout.PacketsInbound(), actualName)
		dst := filepath.Join(inbound, pkt.Filename)
		if copyErr := copyFile(src, dst); copyErr != nil {
			return 0, nil, fmt.Errorf("stage %s: %w", pkt.Filename, copyErr)
		}
		staged = append(staged, pkt)
	}

	// 4.b Run the game processor.
	result, runErr := p.runner.Run(ctx, runner.Route{
		LeagueNumber: league.LeagueNumber,
		Game:         game,
		CommandKey:   "processing",
		Command:      lc.ProcessingCommand,
		InDOSPath:    lc.GameDOSPath,
	})
	if runErr != nil {
		return 0, nil, fmt.Errorf("run processing command: %w", runErr)
	}
	if result.Status != runner.StatusSuccess {
		_ = p.cleanupStaging(inbound)
		return 0, result.CapturedOutput, fmt.Errorf("processing command %s for league %s: %s", result.Status, league.Key(), result.LogPath)
	}

	// 4.c Mark processed and archive.
	for _, pkt := range staged {
		if err := p.store.MarkProcessed(ctx, pkt.ID, runID); err != nil {
			if p.logger != nil {
				p.logger.Error("mark processed failed", zap.Int64("packet_id", pkt.ID), zap.Error(err))
			}
			continue
		}
		actualName, findErr := findCaseInsensitive(p.layout.PacketsInbound(), pkt.Filename)
		if findErr == nil && actualName != "" {
			if err := moveCanonical(filepath.Join(p.layout.PacketsInbound(), actualName), p.layout.PacketsProcessed(), pkt.Filename); err != nil && p.logger != nil {
				p.logger.Error("archive failed", zap.String("filename", pkt.Filename), zap.Error(err))
			}
		}
	}

	// 4.d/4.f Collect outbound.
	if err := p.collectOutbound(ctx, runID, outbound, league, game); err != nil && p.logger != nil {
		p.logger.Error("collect outbound failed", zap.Error(err))
	}

	// 4.e Ingest artifacts.
	if err := p.ingestArtifacts(ctx, runID, league, lc); err != nil && p.logger != nil {
		p.logger.Error("ingest artifacts failed", zap.Error(err))
	}

	// 4.g Cleanup staging.
	if err := p.cleanupStaging(inbound); err != nil && p.logger != nil {
		p.logger.Warn("cleanup staging failed", zap.Error(err))
	}

	return len(staged), result.CapturedOutput, nil
}

func (p *Processor) cleanupStaging(inbound string) error {
	entries, err := os.ReadDir(inbound)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if err := os.Remove(filepath.Join(inbound, e.Name())); err != nil && p.logger != nil {
			p.logger.Warn("failed removing staged file", zap.String("path", e.Name()), zap.Error(err))
		}
	}
	return nil
}

// collectOutbound scans a per-(league, game) outbound directory and
// routes each file to either the nodelist fan-out path or the
// ordinary hub-outbound upsert path.
func (p *Processor) collectOutbound(ctx context.Context, runID int64, outboundDir string, league *catalog.League, game string) error {
	entries, err := os.ReadDir(outboundDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("scan outbound %s: %w", outboundDir, err)
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		path := filepath.Join(outboundDir, name)

		if leagueNumber, nodelistGame, ok := codec.IsNodelistName(name); ok {
			if err := p.fanOutNodelist(ctx, path, leagueNumber, nodelistGame); err != nil && p.logger != nil {
				p.logger.Error("nodelist fan-out failed", zap.String("filename", name), zap.Error(err))
			}
			continue
		}

		parsed, ok := codec.Parse(name)
		if !ok {
			if p.logger != nil {
				p.logger.Warn("unrecognized outbound filename, skipping", zap.String("filename", name))
			}
			continue
		}
		if parsed.Dst == p.hubBBS {
			// consumed by the directory watcher, not the processor
			continue
		}
		if parsed.League != league.LeagueNumber || parsed.Game != game {
			if p.logger != nil {
				p.logger.Warn("outbound filename route mismatch", zap.String("filename", name))
			}
			continue
		}
		if err := p.ingestOutboundPacket(ctx, runID, path, parsed); err != nil && p.logger != nil {
			p.logger.Error("ingest outbound packet failed", zap.String("filename", name), zap.Error(err))
		}
	}
	return nil
}

func (p *Processor) ingestOutboundPacket(ctx context.Context, runID int64, path string, parsed codec.Name) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	sum := sha256.Sum256(payload)
	checksum := hex.EncodeToString(sum[:])
	canonical := codec.Format(parsed)

	league, _, err := p.store.GetOrCreateLeague(ctx, parsed.League, parsed.Game, "", true)
	if err != nil {
		return fmt.Errorf("resolve league %s%s: %w", parsed.League, parsed.Game, err)
	}

	if err := moveCanonical(path, p.layout.PacketsOutbound(), canonical); err != nil {
		return fmt.Errorf("move outbound %s: %w", canonical, err)
	}

	runIDCopy := runID

	if _, err := p.store.UpsertPacket(ctx, &catalog.Packet{
		Filename:        canonical,
		LeagueID:        league.ID,
		SourceBBSIndex:  parsed.Src,
		DestBBSIndex:    parsed.Dst,
		SequenceNumber:  parsed.Seq,
		Payload:         payload,
		Size:            int64(len(payload)),
		Checksum:        checksum,
		ProcessedAt:     timePtrNow(),
		ProcessingRunID: &runIDCopy,
		Processed:       true,
	}); err != nil {
		return fmt.Errorf("upsert packet %s: %w", canonical, err)
	}

	p.bus.PublishPacketAvailable(canonical, parsed.Dst)
	return nil
}

// ingestArtifacts optionally invokes the scores/routeinfo/bbsinfo
// commands and persists any resulting known-named files as artifacts.
// Failures here are warnings, never fatal to the run.
func (p *Processor) ingestArtifacts(ctx context.Context, runID int64, league *catalog.League, lc config.LeagueConfig) error {
	type job struct {
		key      string
		command  string
		artifact catalog.ArtifactType
		folder   string
		names    []string
	}
	jobs := []job{
		{key: "scores", command: lc.ScoresCommand, artifact: catalog.ArtifactScore, folder: lc.ScoresFolder, names: nil},
		{key: "routeinfo", command: lc.RouteinfoCommand, artifact: catalog.ArtifactRoutes, folder: lc.GameFolder, names: []string{"routes.lst"}},
		{key: "bbsinfo", command: lc.BBSInfoCommand, artifact: catalog.ArtifactBBSInfo, folder: lc.GameFolder, names: []string{"bbsinfo.lst"}},
	}

	for _, j := range jobs {
		if j.command == "" {
			continue
		}
		if _, err := p.runner.Run(ctx, runner.Route{
			LeagueNumber: league.LeagueNumber, Game: league.GameType,
			CommandKey: j.key, Command: j.command, InDOSPath: lc.GameDOSPath,
		}); err != nil && p.logger != nil {
			p.logger.Warn("artifact command failed", zap.String("command_key", j.key), zap.Error(err))
		}
		if err := p.ingestKnownArtifactFiles(ctx, runID, j.folder, j.artifact, j.names); err != nil && p.logger != nil {
			p.logger.Warn("artifact ingest failed", zap.String("command_key", j.key), zap.Error(err))
		}
	}
	return nil
}

func (p *Processor) ingestKnownArtifactFiles(ctx context.Context, runID int64, folder string, artifactType catalog.ArtifactType, knownNames []string) error {
	if folder == "" {
		return nil
	}
	entries, err := os.ReadDir(folder)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read artifact folder %s: %w", folder, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if len(knownNames) > 0 && !matchesAny(e.Name(), knownNames) {
			continue
		}
		payload, readErr := os.ReadFile(filepath.Join(folder, e.Name()))
		if readErr != nil {
			continue
		}
		if err := p.store.InsertProcessingArtifact(ctx, runID, artifactType, e.Name(), payload); err != nil {
			return err
		}
	}
	return nil
}

func matchesAny(name string, candidates []string) bool {
	for _, c := range candidates {
		if strings.EqualFold(name, c) {
			return true
		}
	}
	return false
}

// fanOutNodelist materializes one packet row per active member for a
// hub-generated nodelist file.
func (p *Processor) fanOutNodelist(ctx context.Context, path, leagueNumber, game string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read nodelist %s: %w", path, err)
	}
	sum := sha256.Sum256(payload)
	checksum := hex.EncodeToString(sum[:])
	canonical := codec.NodelistName(game, leagueNumber)

	if err := moveCanonical(path, p.layout.Nodelists(game, leagueNumber), canonical); err != nil {
		return fmt.Errorf("move nodelist %s: %w", canonical, err)
	}

	league, _, err := p.store.GetOrCreateLeague(ctx, leagueNumber, game, "", true)
	if err != nil {
		return fmt.Errorf("resolve league %s%s: %w", leagueNumber, game, err)
	}

	members, err := p.store.ListActiveMemberships(ctx, league.ID)
	if err != nil {
		return fmt.Errorf("list active memberships: %w", err)
	}
	for _, m := range members {
		destHex := strings.ToUpper(fmt.Sprintf("%02X", m.BBSIndex))
		if err := p.store.UpsertNodelistPacket(ctx, canonical, league.ID, destHex, m.ClientID, payload, checksum); err != nil {
			if p.logger != nil {
				p.logger.Error("nodelist upsert failed", zap.Int64("membership_id", m.ID), zap.Error(err))
			}
			continue
		}
	}
	p.bus.PublishNodelistAvailable(leagueNumber, game)
	return nil
}

// outboundSweep walks every active league's outbound directory even
// when no packets triggered this run, picking up artifacts produced
// asynchronously by a long-running game process.
func (p *Processor) outboundSweep(ctx context.Context, runID int64) error {
	leagues, err := p.store.ListActiveLeagues(ctx)
	if err != nil {
		return fmt.Errorf("list active leagues: %w", err)
	}
	for _, league := range leagues {
		_, _, outbound, err := p.runner.WorkDir(runner.Route{LeagueNumber: league.LeagueNumber, Game: league.GameType})
		if err != nil {
			if p.logger != nil {
				p.logger.Error("outbound sweep workdir failed", zap.String("league", league.Key()), zap.Error(err))
			}
			continue
		}
		if err := p.collectOutbound(ctx, runID, outbound, league, league.GameType); err != nil && p.logger != nil {
			p.logger.Error("outbound sweep collect failed", zap.String("league", league.Key()), zap.Error(err))
		}
	}
	return nil
}

func timePtrNow() *time.Time {
	t := time.Now()
	return &t
}
