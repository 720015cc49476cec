package report

import (
	"context"

	"github.com/wine-lab/ovs-tsn/internal/log"
)

// LogReporter writes each event to the process log. Useful as the
// default sink and in tests.
type LogReporter struct{}

func NewLogReporter() *LogReporter { return &LogReporter{} }

func (r *LogReporter) Name() string { return "log" }

func (r *LogReporter) Report(_ context.Context, ev *DatagramEvent) error {
	log.GetLogger().WithFields(map[string]interface{}{
		"src":            ev.Src,
		"dst":            ev.Dst,
		"id":             ev.ID,
		"protocol":       ev.Protocol,
		"user":           ev.User,
		"length":         ev.Length,
		"frag_max_size":  ev.FragMaxSize,
		"pmtu_hint":      ev.PMTUHint,
		"ecn":            ev.ECN,
		"checksum_valid": ev.ChecksumValid,
	}).Info("datagram reassembled")
	return nil
}

func (r *LogReporter) Close() error { return nil }
