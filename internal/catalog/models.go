// Package catalog is the authoritative store of clients, leagues,
// memberships, packets, processing runs, artifacts, and sequence
// alerts. Every write is a per-row transaction; cross-row consistency
// is enforced by point lookups before write, not by wrapping whole
// requests in a single transaction.
package catalog

import (
	"fmt"
	"time"
)

type Client struct {
	ID           int64
	ClientID     string
	HashedSecret string
	DisplayName  string
	Active       bool
	CreatedAt    time.Time
	LastSeenAt   *time.Time
}

type League struct {
	ID                int64
	LeagueNumber      string
	GameType          string
	DisplayName       string
	Active            bool
	ProcessingCommand string
	ScoresCommand     string
	RouteinfoCommand  string
	BBSInfoCommand    string
	InboundFolder     string
	OutboundFolder    string
	ScoresFolder      string
	GameFolder        string
	GameDOSPath       string
}

// Key is the ("<number><game>") composite used to address a league
// from filenames, e.g. "555B".
func (l *League) Key() string {
	return l.LeagueNumber + l.GameType
}

type Membership struct {
	ID              int64
	ClientID        int64
	LeagueID        int64
	BBSIndex        int
	FidonetAddress  string
	Active          bool
	JoinedAt        time.Time
}

// BBSIndexHex is the 2-hex-digit canonical form used in filenames and
// dest/source comparisons, e.g. BBSIndex 2 -> "02".
func (m *Membership) BBSIndexHex() string {
	return fmt.Sprintf("%02X", m.BBSIndex)
}

type Packet struct {
	ID              int64
	Filename        string
	LeagueID        int64
	SourceBBSIndex  string // 2-hex
	DestBBSIndex    string // 2-hex
	SequenceNumber  int
	Payload         []byte
	Size            int64
	Checksum        string
	UploadedAt      time.Time
	DownloadedAt    *time.Time
	ProcessedAt     *time.Time
	ProcessingRunID *int64
	Processed       bool
	Downloaded      bool
	SourceClientID  *int64
	DestClientID    *int64
}

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusError     RunStatus = "error"
)

type ProcessingRun struct {
	ID               int64
	LeagueID         *int64
	StartedAt        time.Time
	CompletedAt      *time.Time
	Status           RunStatus
	PacketsProcessed int
	PacketsFailed    int
	ExitCode         *int
	CapturedOutput   []byte
	ErrorMessage     *string
}

type ArtifactType string

const (
	ArtifactScore    ArtifactType = "score"
	ArtifactRoutes   ArtifactType = "routes"
	ArtifactBBSInfo  ArtifactType = "bbsinfo"
)

type ProcessingArtifact struct {
	ID              int64
	ProcessingRunID int64
	ArtifactType    ArtifactType
	Filename        string
	Payload         []byte
	CreatedAt       time.Time
}

type SequenceAlert struct {
	ID           int64
	LeagueID     int64
	SourceIdx    string
	DestIdx      string
	ExpectedSeq  int
	ReceivedSeq  int
	GapSize      int
	DetectedAt   time.Time
	ResolvedAt   *time.Time
	Description  string
}

// RouteKey identifies one (league, src, dst) sequence stream watched
// for delivery gaps.
type RouteKey struct {
	LeagueID int64
	SrcIdx   string
	DstIdx   string
}
