package liveliness

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/meshwire/meshwire/core"
)

// Reliability policy values. Numeric values are part of the token wire format.
type Reliability int

const (
	ReliabilityUnknown    Reliability = 0
	ReliabilityReliable   Reliability = 1
	ReliabilityBestEffort Reliability = 2
)

// Durability policy values.
type Durability int

const (
	DurabilityUnknown        Durability = 0
	DurabilityTransientLocal Durability = 1
	DurabilityVolatile       Durability = 2
)

// History policy values. HistoryKeepAll disables the reply queue bound.
type History int

const (
	HistoryUnknown  History = 0
	HistoryKeepLast History = 1
	HistoryKeepAll  History = 2
)

// QoSProfile is the resolved quality-of-service profile attached to a
// topic-bearing entity. Compatibility negotiation happens upstream; this
// layer only consumes the resolved profile to drive buffering.
type QoSProfile struct {
	Reliability Reliability `yaml:"reliability"`
	Durability  Durability  `yaml:"durability"`
	History     History     `yaml:"history"`
	Depth       int         `yaml:"depth"`
}

// DefaultQoS matches the transport default: reliable, volatile, keep last 10.
func DefaultQoS() QoSProfile {
	return QoSProfile{
		Reliability: ReliabilityReliable,
		Durability:  DurabilityVolatile,
		History:     HistoryKeepLast,
		Depth:       10,
	}
}

// String serializes the profile into its token segment form:
// "<reliability>:<durability>:<history>,<depth>".
func (q QoSProfile) String() string {
	return fmt.Sprintf("%d:%d:%d,%d", q.Reliability, q.Durability, q.History, q.Depth)
}

// ParseQoS is the inverse of QoSProfile.String. Any shape violation is a
// token decode error.
func ParseQoS(s string) (QoSProfile, error) {
	var q QoSProfile

	head, depth, ok := strings.Cut(s, ",")
	if !ok {
		return q, fmt.Errorf("qos %q missing depth separator: %w", s, core.ErrMalformedToken)
	}
	parts := strings.Split(head, ":")
	if len(parts) != 3 {
		return q, fmt.Errorf("qos %q has %d policy fields, want 3: %w", s, len(parts), core.ErrMalformedToken)
	}

	vals := make([]int, 0, 4)
	for _, p := range append(parts, depth) {
		v, err := strconv.Atoi(p)
		if err != nil || v < 0 {
			return q, fmt.Errorf("qos %q has non-numeric field %q: %w", s, p, core.ErrMalformedToken)
		}
		vals = append(vals, v)
	}

	q.Reliability = Reliability(vals[0])
	q.Durability = Durability(vals[1])
	q.History = History(vals[2])
	q.Depth = vals[3]
	return q, nil
}
