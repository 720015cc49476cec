// Package report delivers reassembled-datagram events to external
// sinks.
package report

import (
	"context"
	"time"
)

// DatagramEvent is the wire representation of one reassembled datagram.
type DatagramEvent struct {
	Src           string    `json:"src"`
	Dst           string    `json:"dst"`
	ID            uint16    `json:"id"`
	Protocol      uint8     `json:"protocol"`
	User          string    `json:"user"`
	VIF           int       `json:"vif"`
	Length        int       `json:"length"`
	FragMaxSize   int       `json:"frag_max_size"`
	PMTUHint      bool      `json:"pmtu_hint"`
	ECN           uint8     `json:"ecn"`
	ChecksumValid bool      `json:"checksum_valid"`
	Timestamp     time.Time `json:"timestamp"`
}

// Reporter is one delivery sink. Report may block; the pipeline calls
// it with a bounded context.
type Reporter interface {
	Name() string
	Report(ctx context.Context, ev *DatagramEvent) error
	Close() error
}
