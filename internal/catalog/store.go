package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/compress/zstd"
	"github.com/novahub/nova-hub/internal/metrics"
	"go.uber.org/zap"
)

// ErrNotFound is returned by point lookups that find no row.
var ErrNotFound = errors.New("catalog: not found")

// Store is the pgx-backed Catalog. Every write begins its own
// per-row transaction, commits before returning success, and records
// a DBWriteDuration/DBRowsAffectedTotal pair.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
	zenc   *zstd.Encoder
	zdec   *zstd.Decoder
}

func New(pool *pgxpool.Pool, logger *zap.Logger) (*Store, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: zstd encoder init: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("catalog: zstd decoder init: %w", err)
	}
	return &Store{pool: pool, logger: logger, zenc: enc, zdec: dec}, nil
}

func (s *Store) compress(b []byte) []byte {
	if len(b) == 0 {
		return b
	}
	return s.zenc.EncodeAll(b, nil)
}

func (s *Store) decompress(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return b, nil
	}
	return s.zdec.DecodeAll(b, nil)
}

func observeWrite(entity, op string, start time.Time, rows int64) {
	metrics.DBWriteDuration.WithLabelValues(entity, op).Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues(entity, op).Add(float64(rows))
}

// --- Clients ---

func (s *Store) GetClientByClientID(ctx context.Context, clientID string) (*Client, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, client_id, hashed_secret, display_name, active, created_at, last_seen_at
		FROM clients WHERE client_id = $1`, clientID)
	c := &Client{}
	if err := row.Scan(&c.ID, &c.ClientID, &c.HashedSecret, &c.DisplayName, &c.Active, &c.CreatedAt, &c.LastSeenAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get client %s: %w", clientID, err)
	}
	return c, nil
}

func (s *Store) TouchClientLastSeen(ctx context.Context, clientDBID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE clients SET last_seen_at = now() WHERE id = $1`, clientDBID)
	return err
}

// --- Leagues ---

func (s *Store) GetLeague(ctx context.Context, leagueNumber, gameType string) (*League, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, league_number, game_type, display_name, active,
			   coalesce(processing_command,''), coalesce(scores_command,''),
			   coalesce(routeinfo_command,''), coalesce(bbsinfo_command,''),
			   coalesce(inbound_folder,''), coalesce(outbound_folder,''),
			   coalesce(scores_folder,''), coalesce(game_folder,''), coalesce(game_dos_path,'')
		FROM leagues WHERE league_number = $1 AND game_type = $2`, leagueNumber, gameType)
	return scanLeague(row)
}

func (s *Store) GetLeagueByID(ctx context.Context, id int64) (*League, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, league_number, game_type, display_name, active,
			   coalesce(processing_command,''), coalesce(scores_command,''),
			   coalesce(routeinfo_command,''), coalesce(bbsinfo_command,''),
			   coalesce(inbound_folder,''), coalesce(outbound_folder,''),
			   coalesce(scores_folder,''), coalesce(game_folder,''), coalesce(game_dos_path,'')
		FROM leagues WHERE id = $1`, id)
	return scanLeague(row)
}

func scanLeague(row pgx.Row) (*League, error) {
	l := &League{}
	err := row.Scan(&l.ID, &l.LeagueNumber, &l.GameType, &l.DisplayName, &l.Active,
		&l.ProcessingCommand, &l.ScoresCommand, &l.RouteinfoCommand, &l.BBSInfoCommand,
		&l.InboundFolder, &l.OutboundFolder, &l.ScoresFolder, &l.GameFolder, &l.GameDOSPath)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get league: %w", err)
	}
	return l, nil
}

// GetOrCreateLeague resolves a league, auto-creating it when allowed
// — callers pass allowCreate=false for the download path, since an
// unknown league on download is always a 404, not a new row. Returns
// the league and whether it was newly created.
func (s *Store) GetOrCreateLeague(ctx context.Context, leagueNumber, gameType, displayName string, allowCreate bool) (*League, bool, error) {
	l, err := s.GetLeague(ctx, leagueNumber, gameType)
	if err == nil {
		return l, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}
	if !allowCreate {
		return nil, false, ErrNotFound
	}

	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO leagues (league_number, game_type, display_name, active)
		VALUES ($1, $2, $3, true)
		ON CONFLICT (league_number, game_type) DO UPDATE SET league_number = EXCLUDED.league_number
		RETURNING id, league_number, game_type, display_name, active,
			coalesce(processing_command,''), coalesce(scores_command,''),
			coalesce(routeinfo_command,''), coalesce(bbsinfo_command,''),
			coalesce(inbound_folder,''), coalesce(outbound_folder,''),
			coalesce(scores_folder,''), coalesce(game_folder,''), coalesce(game_dos_path,'')`,
		leagueNumber, gameType, displayName)
	l, err = scanLeague(row)
	if err != nil {
		return nil, false, err
	}
	observeWrite("league", "insert", start, 1)
	return l, true, nil
}

// ListActiveLeagues returns every active league, used by the outbound
// sweep that runs even when no upload triggered a batch.
func (s *Store) ListActiveLeagues(ctx context.Context) ([]*League, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, league_number, game_type, display_name, active,
			   coalesce(processing_command,''), coalesce(scores_command,''),
			   coalesce(routeinfo_command,''), coalesce(bbsinfo_command,''),
			   coalesce(inbound_folder,''), coalesce(outbound_folder,''),
			   coalesce(scores_folder,''), coalesce(game_folder,''), coalesce(game_dos_path,'')
		FROM leagues WHERE active ORDER BY league_number, game_type`)
	if err != nil {
		return nil, fmt.Errorf("list active leagues: %w", err)
	}
	defer rows.Close()

	var out []*League
	for rows.Next() {
		l := &League{}
		if err := rows.Scan(&l.ID, &l.LeagueNumber, &l.GameType, &l.DisplayName, &l.Active,
			&l.ProcessingCommand, &l.ScoresCommand, &l.RouteinfoCommand, &l.BBSInfoCommand,
			&l.InboundFolder, &l.OutboundFolder, &l.ScoresFolder, &l.GameFolder, &l.GameDOSPath); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// --- Memberships ---

// GetActiveMembershipByClient returns the caller's active membership
// in a league, used to authorize uploads/downloads/listings.
func (s *Store) GetActiveMembershipByClient(ctx context.Context, clientDBID, leagueID int64) (*Membership, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, client_id, league_id, bbs_index, fidonet_address, active, joined_at
		FROM memberships WHERE client_id = $1 AND league_id = $2 AND active`, clientDBID, leagueID)
	return scanMembership(row)
}

func (s *Store) GetActiveMembershipByBBSIndex(ctx context.Context, leagueID int64, bbsIndex int) (*Membership, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, client_id, league_id, bbs_index, fidonet_address, active, joined_at
		FROM memberships WHERE league_id = $1 AND bbs_index = $2 AND active`, leagueID, bbsIndex)
	return scanMembership(row)
}

func (s *Store) ListActiveMemberships(ctx context.Context, leagueID int64) ([]*Membership, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, league_id, bbs_index, fidonet_address, active, joined_at
		FROM memberships WHERE league_id = $1 AND active ORDER BY bbs_index`, leagueID)
	if err != nil {
		return nil, fmt.Errorf("list active memberships: %w", err)
	}
	defer rows.Close()

	var out []*Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMembership(row pgx.Row) (*Membership, error) {
	m := &Membership{}
	err := row.Scan(&m.ID, &m.ClientID, &m.LeagueID, &m.BBSIndex, &m.FidonetAddress, &m.Active, &m.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return m, nil
}

// --- Packets ---

// UpsertPacket is idempotent-by-filename: a re-upload or re-emitted
// outbound file replaces the row and resets downloaded_at rather than
// creating a duplicate. Returns the persisted row.
func (s *Store) UpsertPacket(ctx context.Context, p *Packet) (*Packet, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO packets (filename, league_id, source_bbs_index, dest_bbs_index, sequence_number,
			payload, size, checksum, uploaded_at, processed_at, processing_run_id,
			processed, downloaded, source_client_id, dest_client_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), $9, $10, $11, false, $12, $13)
		ON CONFLICT (filename, dest_bbs_index) DO UPDATE SET
			league_id = EXCLUDED.league_id,
			source_bbs_index = EXCLUDED.source_bbs_index,
			dest_bbs_index = EXCLUDED.dest_bbs_index,
			sequence_number = EXCLUDED.sequence_number,
			payload = EXCLUDED.payload,
			size = EXCLUDED.size,
			checksum = EXCLUDED.checksum,
			uploaded_at = now(),
			processed_at = EXCLUDED.processed_at,
			processing_run_id = EXCLUDED.processing_run_id,
			processed = EXCLUDED.processed,
			downloaded_at = NULL,
			downloaded = false,
			source_client_id = EXCLUDED.source_client_id,
			dest_client_id = EXCLUDED.dest_client_id
		RETURNING id, filename, league_id, source_bbs_index, dest_bbs_index, sequence_number,
			payload, size, checksum, uploaded_at, downloaded_at, processed_at, processing_run_id,
			processed, downloaded, source_client_id, dest_client_id`,
		p.Filename, p.LeagueID, p.SourceBBSIndex, p.DestBBSIndex, p.SequenceNumber,
		p.Payload, p.Size, p.Checksum, p.ProcessedAt, p.ProcessingRunID,
		p.Processed, p.SourceClientID, p.DestClientID)

	out, err := scanPacket(row)
	if err != nil {
		return nil, err
	}
	observeWrite("packet", "upsert", start, 1)
	return out, nil
}

func (s *Store) GetPacketByFilename(ctx context.Context, filename string) (*Packet, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, filename, league_id, source_bbs_index, dest_bbs_index, sequence_number,
			payload, size, checksum, uploaded_at, downloaded_at, processed_at, processing_run_id,
			processed, downloaded, source_client_id, dest_client_id
		FROM packets WHERE filename = $1`, filename)
	return scanPacket(row)
}

// SelectForDownload picks the packet to serve for a (league, filename)
// download, preferring not-yet-downloaded, newest first, when more
// than one row could match.
func (s *Store) SelectForDownload(ctx context.Context, leagueID int64, filename string) (*Packet, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, filename, league_id, source_bbs_index, dest_bbs_index, sequence_number,
			payload, size, checksum, uploaded_at, downloaded_at, processed_at, processing_run_id,
			processed, downloaded, source_client_id, dest_client_id
		FROM packets WHERE league_id = $1 AND filename = $2
		ORDER BY downloaded ASC, uploaded_at DESC LIMIT 1`, leagueID, filename)
	return scanPacket(row)
}

// GetPacketForDestination looks up a single row by (filename,
// dest_bbs_index) — the key nodelist rows are fanned out on, since
// several members share one filename.
func (s *Store) GetPacketForDestination(ctx context.Context, filename, destBBSIndex string) (*Packet, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, filename, league_id, source_bbs_index, dest_bbs_index, sequence_number,
			payload, size, checksum, uploaded_at, downloaded_at, processed_at, processing_run_id,
			processed, downloaded, source_client_id, dest_client_id
		FROM packets WHERE filename = $1 AND dest_bbs_index = $2`, filename, destBBSIndex)
	return scanPacket(row)
}

func (s *Store) ListUnprocessedPackets(ctx context.Context) ([]*Packet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, filename, league_id, source_bbs_index, dest_bbs_index, sequence_number,
			payload, size, checksum, uploaded_at, downloaded_at, processed_at, processing_run_id,
			processed, downloaded, source_client_id, dest_client_id
		FROM packets WHERE processed_at IS NULL ORDER BY uploaded_at`)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed packets: %w", err)
	}
	defer rows.Close()
	return scanPackets(rows)
}

// ListForDestination returns packets routed to a caller's bbs_index
// within a league, newest first.
func (s *Store) ListForDestination(ctx context.Context, leagueID int64, destBBSIndex string, unreadOnly bool) ([]*Packet, error) {
	query := `
		SELECT id, filename, league_id, source_bbs_index, dest_bbs_index, sequence_number,
			payload, size, checksum, uploaded_at, downloaded_at, processed_at, processing_run_id,
			processed, downloaded, source_client_id, dest_client_id
		FROM packets WHERE league_id = $1 AND dest_bbs_index = $2`
	if unreadOnly {
		query += ` AND downloaded_at IS NULL`
	}
	query += ` ORDER BY uploaded_at DESC`

	rows, err := s.pool.Query(ctx, query, leagueID, destBBSIndex)
	if err != nil {
		return nil, fmt.Errorf("list packets for destination: %w", err)
	}
	defer rows.Close()
	return scanPackets(rows)
}

func (s *Store) MarkProcessed(ctx context.Context, packetID, runID int64) error {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `UPDATE packets SET processed_at = now(), processed = true, processing_run_id = $2 WHERE id = $1`, packetID, runID)
	if err != nil {
		return fmt.Errorf("mark packet %d processed: %w", packetID, err)
	}
	observeWrite("packet", "mark_processed", start, tag.RowsAffected())
	return nil
}

func (s *Store) MarkDownloaded(ctx context.Context, packetID int64) error {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `UPDATE packets SET downloaded_at = now(), downloaded = true WHERE id = $1`, packetID)
	if err != nil {
		return fmt.Errorf("mark packet %d downloaded: %w", packetID, err)
	}
	observeWrite("packet", "mark_downloaded", start, tag.RowsAffected())
	return nil
}

// ListRoutesWithPackets returns every distinct (league, src, dst)
// route that has at least one packet, feeding a sequence-validator
// sweep over all known routes.
func (s *Store) ListRoutesWithPackets(ctx context.Context) ([]RouteKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT league_id, source_bbs_index, dest_bbs_index FROM packets`)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer rows.Close()

	var out []RouteKey
	for rows.Next() {
		var rk RouteKey
		if err := rows.Scan(&rk.LeagueID, &rk.SrcIdx, &rk.DstIdx); err != nil {
			return nil, err
		}
		out = append(out, rk)
	}
	return out, rows.Err()
}

func (s *Store) ListSequenceNumbers(ctx context.Context, leagueID int64, src, dst string) ([]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT sequence_number FROM packets
		WHERE league_id = $1 AND source_bbs_index = $2 AND dest_bbs_index = $3`, leagueID, src, dst)
	if err != nil {
		return nil, fmt.Errorf("list sequence numbers: %w", err)
	}
	defer rows.Close()

	var out []int
	for rows.Next() {
		var n int
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// PacketExistsForSequence reports whether a packet matching
// (route, expected_seq) now exists, used when auto-resolving a gap
// alert once the missing packet finally shows up.
func (s *Store) PacketExistsForSequence(ctx context.Context, leagueID int64, src, dst string, seq int) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM packets
			WHERE league_id = $1 AND source_bbs_index = $2 AND dest_bbs_index = $3 AND sequence_number = $4)`,
		leagueID, src, dst, seq).Scan(&exists)
	return exists, err
}

func scanPacket(row pgx.Row) (*Packet, error) {
	p := &Packet{}
	err := row.Scan(&p.ID, &p.Filename, &p.LeagueID, &p.SourceBBSIndex, &p.DestBBSIndex, &p.SequenceNumber,
		&p.Payload, &p.Size, &p.Checksum, &p.UploadedAt, &p.DownloadedAt, &p.ProcessedAt, &p.ProcessingRunID,
		&p.Processed, &p.Downloaded, &p.SourceClientID, &p.DestClientID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan packet: %w", err)
	}
	return p, nil
}

type pktRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanPackets(rows pktRows) ([]*Packet, error) {
	var out []*Packet
	for rows.Next() {
		p := &Packet{}
		err := rows.Scan(&p.ID, &p.Filename, &p.LeagueID, &p.SourceBBSIndex, &p.DestBBSIndex, &p.SequenceNumber,
			&p.Payload, &p.Size, &p.Checksum, &p.UploadedAt, &p.DownloadedAt, &p.ProcessedAt, &p.ProcessingRunID,
			&p.Processed, &p.Downloaded, &p.SourceClientID, &p.DestClientID)
		if err != nil {
			return nil, fmt.Errorf("scan packet row: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Nodelist fan-out ---

// UpsertNodelistPacket materializes one packet row per active member
// for a hub-generated nodelist file: keyed on
// (filename, dest_bbs_index) — the nodelist filename already names the
// league and game — source "00", sequence 0, already processed.
func (s *Store) UpsertNodelistPacket(ctx context.Context, filename string, leagueID int64, destBBSIndexHex string, destClientID int64, payload []byte, checksum string) error {
	start := time.Now()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO packets (filename, league_id, source_bbs_index, dest_bbs_index, sequence_number,
			payload, size, checksum, uploaded_at, processed_at, processed, downloaded, dest_client_id)
		VALUES ($1, $2, '00', $3, 0, $4, $5, $6, now(), now(), true, false, $7)
		ON CONFLICT (filename, dest_bbs_index) DO UPDATE SET
			league_id = EXCLUDED.league_id,
			dest_bbs_index = EXCLUDED.dest_bbs_index,
			payload = EXCLUDED.payload,
			size = EXCLUDED.size,
			checksum = EXCLUDED.checksum,
			uploaded_at = now(),
			processed_at = now(),
			processed = true,
			downloaded_at = NULL,
			downloaded = false,
			dest_client_id = EXCLUDED.dest_client_id`,
		filename, leagueID, destBBSIndexHex, payload, int64(len(payload)), checksum, destClientID)
	if err != nil {
		return fmt.Errorf("upsert nodelist packet %s: %w", filename, err)
	}
	observeWrite("packet", "nodelist_upsert", start, 1)
	return nil
}

// --- Processing runs ---

func (s *Store) CreateProcessingRun(ctx context.Context, leagueID *int64) (*ProcessingRun, error) {
	start := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO processing_runs (league_id, started_at, status)
		VALUES ($1, now(), 'running')
		RETURNING id, league_id, started_at, completed_at, status, packets_processed, packets_failed,
			exit_code, captured_output, captured_output_compressed, error_message`, leagueID)
	run, err := scanRun(row, s)
	if err != nil {
		return nil, err
	}
	observeWrite("processing_run", "insert", start, 1)
	return run, nil
}

func (s *Store) CompleteProcessingRun(ctx context.Context, runID int64, status RunStatus, packetsProcessed, packetsFailed int, exitCode *int, capturedOutput []byte, errMsg *string) error {
	start := time.Now()
	compressed := capturedOutput != nil
	stored := s.compress(capturedOutput)
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_runs SET completed_at = now(), status = $2, packets_processed = $3,
			packets_failed = $4, exit_code = $5, captured_output = $6, captured_output_compressed = $7,
			error_message = $8
		WHERE id = $1`, runID, status, packetsProcessed, packetsFailed, exitCode, stored, compressed, errMsg)
	if err != nil {
		return fmt.Errorf("complete run %d: %w", runID, err)
	}
	observeWrite("processing_run", "complete", start, tag.RowsAffected())
	return nil
}

func scanRun(row pgx.Row, s *Store) (*ProcessingRun, error) {
	r := &ProcessingRun{}
	var compressed bool
	err := row.Scan(&r.ID, &r.LeagueID, &r.StartedAt, &r.CompletedAt, &r.Status, &r.PacketsProcessed,
		&r.PacketsFailed, &r.ExitCode, &r.CapturedOutput, &compressed, &r.ErrorMessage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if compressed {
		out, err := s.decompress(r.CapturedOutput)
		if err != nil {
			return nil, fmt.Errorf("decompress captured output: %w", err)
		}
		r.CapturedOutput = out
	}
	return r, nil
}

func (s *Store) GetProcessingRun(ctx context.Context, id int64) (*ProcessingRun, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, league_id, started_at, completed_at, status, packets_processed, packets_failed,
			exit_code, captured_output, captured_output_compressed, error_message
		FROM processing_runs WHERE id = $1`, id)
	return scanRun(row, s)
}

// --- Processing artifacts ---

func (s *Store) InsertProcessingArtifact(ctx context.Context, runID int64, artifactType ArtifactType, filename string, payload []byte) error {
	start := time.Now()
	stored := s.compress(payload)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_artifacts (processing_run_id, artifact_type, filename, payload, payload_compressed, created_at)
		VALUES ($1, $2, $3, $4, true, now())`, runID, artifactType, filename, stored)
	if err != nil {
		return fmt.Errorf("insert artifact %s: %w", filename, err)
	}
	observeWrite("processing_artifact", "insert", start, 1)
	return nil
}

func (s *Store) ListArtifactsForRun(ctx context.Context, runID int64) ([]*ProcessingArtifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, processing_run_id, artifact_type, filename, payload, payload_compressed, created_at
		FROM processing_artifacts WHERE processing_run_id = $1 ORDER BY created_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*ProcessingArtifact
	for rows.Next() {
		a := &ProcessingArtifact{}
		var compressed bool
		if err := rows.Scan(&a.ID, &a.ProcessingRunID, &a.ArtifactType, &a.Filename, &a.Payload, &compressed, &a.CreatedAt); err != nil {
			return nil, err
		}
		if compressed {
			payload, err := s.decompress(a.Payload)
			if err != nil {
				return nil, fmt.Errorf("decompress artifact %s: %w", a.Filename, err)
			}
			a.Payload = payload
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Sequence alerts ---

// CreateAlertIfAbsent inserts a new open alert unless one is already
// unresolved for the same (league, src, dst, expected_seq) — the
// unique partial index enforces this at the DB layer; a conflict is
// treated as "already exists", not an error. On insert, a.ID is set
// to the new row's id.
func (s *Store) CreateAlertIfAbsent(ctx context.Context, a *SequenceAlert) (bool, error) {
	start := time.Now()
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sequence_alerts (league_id, source_idx, dest_idx, expected_seq, received_seq, gap_size, detected_at, description)
		VALUES ($1, $2, $3, $4, $5, $6, now(), $7)
		ON CONFLICT DO NOTHING
		RETURNING id`,
		a.LeagueID, a.SourceIdx, a.DestIdx, a.ExpectedSeq, a.ReceivedSeq, a.GapSize, a.Description).Scan(&a.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create alert: %w", err)
	}
	observeWrite("sequence_alert", "insert", start, 1)
	return true, nil
}

func (s *Store) ListUnresolvedAlerts(ctx context.Context) ([]*SequenceAlert, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, league_id, source_idx, dest_idx, expected_seq, received_seq, gap_size, detected_at, resolved_at, coalesce(description,'')
		FROM sequence_alerts WHERE resolved_at IS NULL ORDER BY detected_at`)
	if err != nil {
		return nil, fmt.Errorf("list unresolved alerts: %w", err)
	}
	defer rows.Close()

	var out []*SequenceAlert
	for rows.Next() {
		al := &SequenceAlert{}
		if err := rows.Scan(&al.ID, &al.LeagueID, &al.SourceIdx, &al.DestIdx, &al.ExpectedSeq, &al.ReceivedSeq,
			&al.GapSize, &al.DetectedAt, &al.ResolvedAt, &al.Description); err != nil {
			return nil, err
		}
		out = append(out, al)
	}
	return out, rows.Err()
}

func (s *Store) ResolveAlert(ctx context.Context, alertID int64, note string) error {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `
		UPDATE sequence_alerts SET resolved_at = now(), description = $2 WHERE id = $1 AND resolved_at IS NULL`,
		alertID, note)
	if err != nil {
		return fmt.Errorf("resolve alert %d: %w", alertID, err)
	}
	observeWrite("sequence_alert", "resolve", start, tag.RowsAffected())
	return nil
}

func (s *Store) CountOpenAlerts(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM sequence_alerts WHERE resolved_at IS NULL`).Scan(&n)
	return n, err
}

// Ping satisfies the httpapi DBChecker interface (teacher's
// internal/http/server.go pattern). httpapi.NewServer's /readyz check
// pings the pgx pool it is given, not this method.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
