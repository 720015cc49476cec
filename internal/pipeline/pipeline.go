// Package pipeline wires capture, decoding, reassembly and reporting
// into one running datapath.
package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"

	"github.com/wine-lab/ovs-tsn/internal/core"
	"github.com/wine-lab/ovs-tsn/internal/core/decoder"
	"github.com/wine-lab/ovs-tsn/internal/core/defrag"
	"github.com/wine-lab/ovs-tsn/internal/log"
	"github.com/wine-lab/ovs-tsn/internal/metrics"
	"github.com/wine-lab/ovs-tsn/internal/report"
)

// PacketSource feeds raw frames into the pipeline. *pcap.Handle
// satisfies it.
type PacketSource interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// Config carries the pipeline knobs that are not the engine's own.
type Config struct {
	// User is the consumer identity stamped on every fragment key.
	User core.DefragUser
	// VIF is the virtual interface / network context the pipeline
	// serves.
	VIF int
	// Iif is the capture interface index, carried on fragments for
	// timeout notification routing.
	Iif int
	// ReportTimeout bounds each reporter call.
	ReportTimeout time.Duration
}

// Pipeline runs a single capture loop: frame in, datagram event out.
type Pipeline struct {
	cfg       Config
	src       PacketSource
	dec       *decoder.Decoder
	engine    *defrag.Defragmenter
	reporters []report.Reporter

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// New assembles a pipeline around an already constructed engine.
func New(cfg Config, src PacketSource, engine *defrag.Defragmenter, reporters []report.Reporter) *Pipeline {
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = time.Second
	}
	return &Pipeline{
		cfg:       cfg,
		src:       src,
		dec:       decoder.New(cfg.User, cfg.VIF),
		engine:    engine,
		reporters: reporters,
	}
}

// Start launches the capture loop.
func (p *Pipeline) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return core.ErrPipelineStopped
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.loop(ctx)
	log.GetLogger().WithField("user", p.cfg.User.String()).Info("pipeline started")
	return nil
}

// Stop halts the loop, drains the engine and closes every reporter.
func (p *Pipeline) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	p.wg.Wait()
	p.engine.Close()
	for _, r := range p.reporters {
		if err := r.Close(); err != nil {
			log.GetLogger().WithError(err).WithField("reporter", r.Name()).
				Warn("reporter close failed")
		}
	}
	log.GetLogger().Info("pipeline stopped")
}

func (p *Pipeline) loop(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, ci, err := p.src.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.GetLogger().Info("packet source exhausted")
				return
			}
			// Timeouts and transient capture errors just spin the loop.
			continue
		}

		p.handle(ctx, data, ci)
	}
}

func (p *Pipeline) handle(ctx context.Context, data []byte, ci gopacket.CaptureInfo) {
	res, err := p.dec.Decode(data, p.captureIif(ci))
	if err != nil {
		if errors.Is(err, core.ErrUnsupportedProto) {
			metrics.PipelinePackets.WithLabelValues("skipped").Inc()
		} else {
			metrics.PipelinePackets.WithLabelValues("decode-error").Inc()
			log.GetLogger().WithError(err).Trace("frame decode failed")
		}
		return
	}

	if res.Fragment == nil {
		metrics.PipelinePackets.WithLabelValues("passthrough").Inc()
		return
	}

	dg, err := p.engine.Process(res.Fragment)
	if err != nil {
		metrics.PipelinePackets.WithLabelValues("rejected").Inc()
		log.GetLogger().WithError(err).WithField("key", res.Fragment.Key.String()).
			Debug("fragment rejected")
		return
	}
	if dg == nil {
		metrics.PipelinePackets.WithLabelValues("pending").Inc()
		return
	}

	metrics.PipelinePackets.WithLabelValues("reassembled").Inc()
	p.report(ctx, dg, ci.Timestamp)
}

func (p *Pipeline) report(ctx context.Context, dg *defrag.Datagram, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now()
	}
	ev := &report.DatagramEvent{
		Src:           dg.Key.Src.String(),
		Dst:           dg.Key.Dst.String(),
		ID:            dg.Key.ID,
		Protocol:      dg.Key.Protocol,
		User:          dg.Key.User.String(),
		VIF:           dg.Key.VIF,
		Length:        len(dg.Data),
		FragMaxSize:   dg.FragMaxSize,
		PMTUHint:      dg.PMTUHint,
		ECN:           dg.ECN,
		ChecksumValid: dg.ChecksumValid,
		Timestamp:     ts,
	}

	for _, r := range p.reporters {
		rctx, cancel := context.WithTimeout(ctx, p.cfg.ReportTimeout)
		if err := r.Report(rctx, ev); err != nil {
			log.GetLogger().WithError(err).WithField("reporter", r.Name()).
				Warn("report failed")
		}
		cancel()
	}
}

// captureIif returns the interface index for a frame. gopacket only
// fills CaptureInfo.InterfaceIndex on platforms that report it; fall
// back to the configured index.
func (p *Pipeline) captureIif(ci gopacket.CaptureInfo) int {
	if ci.InterfaceIndex > 0 {
		return ci.InterfaceIndex
	}
	return p.cfg.Iif
}
