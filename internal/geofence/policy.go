package geofence

import (
	"fmt"
	"strings"
)

// JoinPolicy decides whether a resolution may be recorded as verified presence.
type JoinPolicy int

const (
	// PolicyInside only accepts points contained by at least one geofence.
	PolicyInside JoinPolicy = iota
	// PolicyNearest accepts any successful resolution and assigns the nearest
	// building even when the point is outside every radius.
	PolicyNearest
)

// ParseJoinPolicy maps "inside" / "nearest" to a policy.
func ParseJoinPolicy(s string) (JoinPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "inside":
		return PolicyInside, nil
	case "nearest":
		return PolicyNearest, nil
	}
	return PolicyInside, fmt.Errorf("unknown join policy %q", s)
}

func (p JoinPolicy) String() string {
	if p == PolicyNearest {
		return "nearest"
	}
	return "inside"
}

// Eligible reports whether res counts as a verified location under p.
func (p JoinPolicy) Eligible(res Resolution) bool {
	if p == PolicyNearest {
		return true
	}
	return res.InsideAnyRadius
}
