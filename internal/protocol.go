package internal

import (
	"time"

	"nerdhub/internal/geofence"
	"nerdhub/internal/presence"
)

const (
	FrameJoin      = "join"
	FrameHeartbeat = "heartbeat"
	FrameLeave     = "leave"
	FrameSnapshot  = "snapshot"
	FrameResolved  = "resolved"
	FrameError     = "error"
)

// ClientFrame is what a client sends over the websocket. Lat and Lon are
// optional; when both are present the server resolves the building itself.
type ClientFrame struct {
	Type       string   `json:"type"`
	UserID     string   `json:"userId"`
	BuildingID string   `json:"buildingId,omitempty"`
	Verified   bool     `json:"verified,omitempty"`
	Lat        *float64 `json:"lat,omitempty"`
	Lon        *float64 `json:"lon,omitempty"`
}

// ServerFrame is the union of every frame the server sends, as decoded by
// clients. Snapshots are encoded through SnapshotFrame.
type ServerFrame struct {
	Type       string               `json:"type"`
	Seq        uint64               `json:"seq,omitempty"`
	Taken      *time.Time           `json:"taken,omitempty"`
	Entries    []presence.Entry     `json:"entries,omitempty"`
	Evicted    []string             `json:"evicted,omitempty"`
	Resolution *geofence.Resolution `json:"resolution,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// SnapshotFrame is the wire shape of a snapshot. Seq and entries are always
// present, even for an empty registry; it decodes into ServerFrame.
type SnapshotFrame struct {
	Type    string           `json:"type"`
	Seq     uint64           `json:"seq"`
	Taken   time.Time        `json:"taken"`
	Entries []presence.Entry `json:"entries"`
	Evicted []string         `json:"evicted,omitempty"`
}

func snapshotFrame(s presence.Snapshot) SnapshotFrame {
	entries := s.Entries
	if entries == nil {
		entries = []presence.Entry{}
	}
	return SnapshotFrame{Type: FrameSnapshot, Seq: s.Seq, Taken: s.Taken, Entries: entries, Evicted: s.Evicted}
}

func resolvedFrame(res geofence.Resolution) ServerFrame {
	return ServerFrame{Type: FrameResolved, Resolution: &res}
}

func errorFrame(msg string) ServerFrame {
	return ServerFrame{Type: FrameError, Error: msg}
}

// Snapshot converts a snapshot frame back into a presence.Snapshot.
func (f ServerFrame) Snapshot() presence.Snapshot {
	snap := presence.Snapshot{Seq: f.Seq, Entries: f.Entries, Evicted: f.Evicted}
	if f.Taken != nil {
		snap.Taken = *f.Taken
	}
	if snap.Entries == nil {
		snap.Entries = []presence.Entry{}
	}
	return snap
}
