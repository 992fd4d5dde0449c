package presence

import (
	"sort"
	"time"
)

// Entry is one user's current verified building membership.
type Entry struct {
	UserID     string    `json:"userId"`
	BuildingID string    `json:"buildingId"`
	LastSeen   time.Time `json:"lastSeen"`
	Verified   bool      `json:"-"`
}

// Snapshot is a read-only copy of the registry at one instant.
// Seq grows by one with every snapshot a registry cuts; it only orders
// snapshots from the same process. Evicted is set on sweep snapshots.
type Snapshot struct {
	Seq     uint64    `json:"seq"`
	Taken   time.Time `json:"taken"`
	Entries []Entry   `json:"entries"`
	Evicted []string  `json:"evicted,omitempty"`
}

// CountByBuilding counts entries assigned to buildingID.
func (s Snapshot) CountByBuilding(buildingID string) int {
	n := 0
	for _, e := range s.Entries {
		if e.BuildingID == buildingID {
			n++
		}
	}
	return n
}

// Counts returns entry counts keyed by building id.
func (s Snapshot) Counts() map[string]int {
	out := make(map[string]int)
	for _, e := range s.Entries {
		out[e.BuildingID]++
	}
	return out
}

// Find returns the entry for userID if present.
func (s Snapshot) Find(userID string) (Entry, bool) {
	i := sort.Search(len(s.Entries), func(i int) bool { return s.Entries[i].UserID >= userID })
	if i < len(s.Entries) && s.Entries[i].UserID == userID {
		return s.Entries[i], true
	}
	return Entry{}, false
}

// Active drops entries whose LastSeen is more than timeout before now.
func (s Snapshot) Active(now time.Time, timeout time.Duration) Snapshot {
	out := s
	out.Entries = make([]Entry, 0, len(s.Entries))
	for _, e := range s.Entries {
		if now.Sub(e.LastSeen) <= timeout {
			out.Entries = append(out.Entries, e)
		}
	}
	return out
}

// SortEntries orders entries by user id, the order Find relies on.
func SortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].UserID < entries[j].UserID })
}
