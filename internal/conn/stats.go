package conn

import (
	"fmt"
	"sync/atomic"
)

// Stats aggregates traffic counters. One Stats is usually shared by every
// connection of a driver; fields are atomic so readers on other goroutines
// (metrics, status pages) can sample them.
type Stats struct {
	InPackets           atomic.Int64
	OutPackets          atomic.Int64
	InBytes             atomic.Int64
	OutBytes            atomic.Int64
	InBunches           atomic.Int64
	OutBunches          atomic.Int64
	InPacketsLost       atomic.Int64
	OutPacketsLost      atomic.Int64
	InOutOfOrderPackets atomic.Int64
	Resends             atomic.Int64
	MalformedPackets    atomic.Int64
	BrokenChannels      atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	InPackets           int64 `json:"in_packets"`
	OutPackets          int64 `json:"out_packets"`
	InBytes             int64 `json:"in_bytes"`
	OutBytes            int64 `json:"out_bytes"`
	InBunches           int64 `json:"in_bunches"`
	OutBunches          int64 `json:"out_bunches"`
	InPacketsLost       int64 `json:"in_packets_lost"`
	OutPacketsLost      int64 `json:"out_packets_lost"`
	InOutOfOrderPackets int64 `json:"in_out_of_order_packets"`
	Resends             int64 `json:"resends"`
	MalformedPackets    int64 `json:"malformed_packets"`
	BrokenChannels      int64 `json:"broken_channels"`
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		InPackets:           s.InPackets.Load(),
		OutPackets:          s.OutPackets.Load(),
		InBytes:             s.InBytes.Load(),
		OutBytes:            s.OutBytes.Load(),
		InBunches:           s.InBunches.Load(),
		OutBunches:          s.OutBunches.Load(),
		InPacketsLost:       s.InPacketsLost.Load(),
		OutPacketsLost:      s.OutPacketsLost.Load(),
		InOutOfOrderPackets: s.InOutOfOrderPackets.Load(),
		Resends:             s.Resends.Load(),
		MalformedPackets:    s.MalformedPackets.Load(),
		BrokenChannels:      s.BrokenChannels.Load(),
	}
}

func (s StatsSnapshot) String() string {
	return fmt.Sprintf("in=%d/%dB out=%d/%dB bunches in=%d out=%d lost in=%d out=%d ooo=%d resends=%d",
		s.InPackets, s.InBytes, s.OutPackets, s.OutBytes, s.InBunches, s.OutBunches,
		s.InPacketsLost, s.OutPacketsLost, s.InOutOfOrderPackets, s.Resends)
}
