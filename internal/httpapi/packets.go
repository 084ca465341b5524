package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/novahub/nova-hub/internal/catalog"
	"github.com/novahub/nova-hub/internal/codec"
	"github.com/novahub/nova-hub/internal/metrics"
)

const maxUploadSize = 16 << 20 // 16 MiB; DOS-era packets never approach this

// splitLeague splits a URL {league} path value like "555B" into its
// numeric and game-type parts.
func splitLeague(raw string) (number, game string, ok bool) {
	if len(raw) < 2 {
		return "", "", false
	}
	game = raw[len(raw)-1:]
	number = raw[:len(raw)-1]
	if game != "B" && game != "F" {
		return "", "", false
	}
	for _, c := range number {
		if c < '0' || c > '9' {
			return "", "", false
		}
	}
	return number, game, true
}

// handleUpload implements PUT /leagues/{league}/packets/{name}.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())
	leagueRaw := r.PathValue("league")
	name := r.PathValue("name")

	if _, _, ok := codec.IsNodelistName(name); ok {
		metrics.IngressRejectedTotal.WithLabelValues("nodelist_upload").Inc()
		writeError(w, http.StatusForbidden, "nodelists are hub-generated only")
		return
	}

	parsed, ok := codec.Parse(name)
	if !ok {
		metrics.IngressRejectedTotal.WithLabelValues("bad_grammar").Inc()
		writeError(w, http.StatusBadRequest, "filename does not match the packet grammar")
		return
	}

	leagueNumber, gameType, ok := splitLeague(leagueRaw)
	if !ok || parsed.League != leagueNumber || parsed.Game != gameType {
		metrics.IngressRejectedTotal.WithLabelValues("league_mismatch").Inc()
		writeError(w, http.StatusBadRequest, "filename league/game does not match the URL")
		return
	}

	league, _, err := s.store.GetOrCreateLeague(r.Context(), leagueNumber, gameType, "", s.autoCreateLeagues)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown league")
		return
	}

	membership, err := s.store.GetActiveMembershipByClient(r.Context(), client.ID, league.ID)
	if err != nil || membership.BBSIndexHex() != parsed.Src {
		metrics.IngressRejectedTotal.WithLabelValues("membership_mismatch").Inc()
		writeError(w, http.StatusForbidden, "no active membership matching the filename source")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUploadSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if len(body) > maxUploadSize {
		writeError(w, http.StatusBadRequest, "payload too large")
		return
	}

	canonical := codec.Format(parsed)
	if err := writeCanonical(s.layout.PacketsInbound(), canonical, body); err != nil {
		writeError(w, http.StatusInternalServerError, "could not persist payload")
		return
	}

	sum := sha256.Sum256(body)
	checksum := hex.EncodeToString(sum[:])

	clientID := client.ID
	packet, err := s.store.UpsertPacket(r.Context(), &catalog.Packet{
		Filename:       canonical,
		LeagueID:       league.ID,
		SourceBBSIndex: parsed.Src,
		DestBBSIndex:   parsed.Dst,
		SequenceNumber: parsed.Seq,
		Payload:        body,
		Size:           int64(len(body)),
		Checksum:       checksum,
		SourceClientID: &clientID,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not persist packet row")
		return
	}

	metrics.PacketsUploadedTotal.WithLabelValues(league.Key()).Inc()
	s.processor.Trigger(context.WithoutCancel(r.Context()))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "received",
		"filename":  canonical,
		"packet_id": packet.ID,
	})
}

// handleList implements GET /leagues/{league}/packets?unread=<bool>.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())
	leagueNumber, gameType, ok := splitLeague(r.PathValue("league"))
	if !ok {
		writeError(w, http.StatusBadRequest, "malformed league path segment")
		return
	}

	league, err := s.store.GetLeague(r.Context(), leagueNumber, gameType)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown league")
		return
	}

	membership, err := s.store.GetActiveMembershipByClient(r.Context(), client.ID, league.ID)
	if err != nil {
		writeError(w, http.StatusForbidden, "no active membership in this league")
		return
	}

	unreadOnly, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	packets, err := s.store.ListForDestination(r.Context(), league.ID, membership.BBSIndexHex(), unreadOnly)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list packets")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"packets": summarize(packets)})
}

type packetSummary struct {
	Filename     string `json:"filename"`
	Src          string `json:"src"`
	Dst          string `json:"dst"`
	Seq          int    `json:"seq"`
	Downloaded   bool   `json:"downloaded"`
}

func summarize(packets []*catalog.Packet) []packetSummary {
	out := make([]packetSummary, 0, len(packets))
	for _, p := range packets {
		out = append(out, packetSummary{
			Filename:   p.Filename,
			Src:        p.SourceBBSIndex,
			Dst:        p.DestBBSIndex,
			Seq:        p.SequenceNumber,
			Downloaded: p.Downloaded,
		})
	}
	return out
}

// handleDownload implements GET /leagues/{league}/packets/{name}.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	client, _ := ClientFromContext(r.Context())
	leagueNumber, gameType, ok := splitLeague(r.PathValue("league"))
	if !ok {
		writeError(w, http.StatusBadRequest, "malformed league path segment")
		return
	}
	name := r.PathValue("name")

	league, err := s.store.GetLeague(r.Context(), leagueNumber, gameType)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown league")
		return
	}

	membership, err := s.store.GetActiveMembershipByClient(r.Context(), client.ID, league.ID)
	if err != nil {
		writeError(w, http.StatusForbidden, "no active membership in this league")
		return
	}

	if leagueNum, game, ok := codec.IsNodelistName(name); ok {
		s.downloadNodelist(w, r, leagueNum, game, membership, name)
		return
	}

	parsed, ok := codec.Parse(name)
	if !ok {
		writeError(w, http.StatusBadRequest, "filename does not match the packet grammar")
		return
	}
	if parsed.League != leagueNumber || parsed.Game != gameType {
		writeError(w, http.StatusBadRequest, "filename league/game does not match the URL")
		return
	}

	packet, err := s.store.SelectForDownload(r.Context(), league.ID, codec.Format(parsed))
	if err != nil {
		writeError(w, http.StatusNotFound, "packet not found")
		return
	}
	if membership.BBSIndexHex() != packet.DestBBSIndex {
		writeError(w, http.StatusForbidden, "filename destination does not match your membership")
		return
	}

	path := filepath.Join(s.layout.PacketsOutbound(), packet.Filename)
	data, err := os.ReadFile(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "payload missing on disk")
		return
	}
	if err := s.store.MarkDownloaded(r.Context(), packet.ID); err != nil && s.logger != nil {
		s.logger.Warn("mark downloaded failed", zap.Int64("packet_id", packet.ID), zap.Error(err))
	}

	metrics.PacketsDownloadedTotal.WithLabelValues(league.Key()).Inc()
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func (s *Server) downloadNodelist(w http.ResponseWriter, r *http.Request, leagueNumber, game string, membership *catalog.Membership, name string) {
	dir := s.layout.Nodelists(game, leagueNumber)
	actual, err := findCaseInsensitive(dir, name)
	if err != nil || actual == "" {
		writeError(w, http.StatusNotFound, "nodelist not found")
		return
	}
	data, err := os.ReadFile(filepath.Join(dir, actual))
	if err != nil {
		writeError(w, http.StatusNotFound, "nodelist not found")
		return
	}

	canonical := codec.NodelistName(game, leagueNumber)
	packet, err := s.store.GetPacketForDestination(r.Context(), canonical, membership.BBSIndexHex())
	if err == nil && packet != nil {
		if err := s.store.MarkDownloaded(r.Context(), packet.ID); err != nil && s.logger != nil {
			s.logger.Warn("mark nodelist downloaded failed", zap.Int64("packet_id", packet.ID), zap.Error(err))
		}
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(data)
}

func writeCanonical(dir, name string, payload []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if existing, err := findCaseInsensitive(dir, name); err == nil && existing != "" && !strings.EqualFold(existing, name) {
		os.Remove(filepath.Join(dir, existing))
	}
	return os.WriteFile(filepath.Join(dir, name), payload, 0o644)
}

func findCaseInsensitive(dir, name string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", err
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(e.Name(), name) {
			return e.Name(), nil
		}
	}
	return "", nil
}
