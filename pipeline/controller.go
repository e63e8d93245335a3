// Package pipeline wires capture, encode, packetize, encrypt, transport,
// depacketize, decode, and render into one supervised streaming session.
// A fixed set of goroutines joined by bounded channels moves media in one
// direction; control feedback flows the other way inside encrypted
// control records.
package pipeline

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/quic-go/quic-go/quicvarint"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/voralis/specto/capture"
	"github.com/voralis/specto/codec"
	"github.com/voralis/specto/media"
	"github.com/voralis/specto/packet"
	"github.com/voralis/specto/render"
	"github.com/voralis/specto/secure"
	"github.com/voralis/specto/transport"
)

// State is the controller's lifecycle position.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateStreaming
	StateDegraded
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateStreaming:
		return "streaming"
	case StateDegraded:
		return "degraded"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrHandshakeTimeout is returned by Run when the handshake did not
// complete within the configured attempts.
var ErrHandshakeTimeout = errors.New("pipeline: handshake timed out")

const (
	defaultReorderDeadline   = 120 * time.Millisecond
	defaultHandshakeTimeout  = 5 * time.Second
	defaultHandshakeAttempts = 3
	defaultHandshakeBackoff  = 250 * time.Millisecond
	maxHandshakeBackoff      = 2 * time.Second
	defaultFeedbackInterval  = 500 * time.Millisecond
	defaultDrainTimeout      = 2 * time.Second

	// reorderMaxPending bounds the depacketizer window.
	reorderMaxPending = 64

	// maxEarlyRecords bounds the records buffered while the handshake
	// finishes on this side.
	maxEarlyRecords = 512
)

// Config assembles one controller. Source and Encoder make the endpoint
// a sender; Decoder and Renderer make it a receiver. An endpoint is one
// or the other, matching a camera streaming to a viewer.
type Config struct {
	Role      secure.Role
	Secure    secure.Config
	Transport transport.Transport

	// Sender side.
	Source  capture.Source
	Encoder *codec.Encoder
	Bitrate BitrateConfig

	// Receiver side.
	Decoder  *codec.Decoder
	Renderer render.Renderer

	ReorderDeadline   time.Duration
	HandshakeTimeout  time.Duration
	HandshakeAttempts int
	HandshakeBackoff  time.Duration
	FeedbackInterval  time.Duration
	DrainTimeout      time.Duration

	// Clock defaults to time.Now; tests substitute it.
	Clock func() time.Time

	Log *slog.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.ReorderDeadline <= 0 {
		cfg.ReorderDeadline = defaultReorderDeadline
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.HandshakeAttempts <= 0 {
		cfg.HandshakeAttempts = defaultHandshakeAttempts
	}
	if cfg.HandshakeBackoff <= 0 {
		cfg.HandshakeBackoff = defaultHandshakeBackoff
	}
	if cfg.FeedbackInterval <= 0 {
		cfg.FeedbackInterval = defaultFeedbackInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = defaultDrainTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Bitrate == (BitrateConfig{}) {
		cfg.Bitrate = DefaultBitrateConfig()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
}

// Controller supervises one streaming session end to end.
type Controller struct {
	id   string
	cfg  Config
	log  *slog.Logger
	ssrc uint32

	state atomic.Int32
	stats Stats

	// sessMu serializes all secure session calls: Seal and Open mutate
	// per-direction counters and the rotation epochs.
	sessMu sync.Mutex
	sess   *secure.Session

	sending bool

	// early holds non-handshake records that arrived while this side was
	// still completing the handshake (the peer establishes first and may
	// start streaming immediately). The receive loop replays them before
	// reading from the transport.
	early [][]byte

	// Sender state.
	bitrateMu sync.Mutex
	bitrate   *bitrateController
	limiter   *rate.Limiter
	timer     reportTimer

	// Receiver window accounting, reset each feedback interval.
	windowDelivered atomic.Int64
	windowLost      atomic.Int64
	highestSeq      atomic.Uint32
}

// New validates the configuration and builds a controller.
func New(cfg Config) (*Controller, error) {
	cfg.setDefaults()
	if cfg.Transport == nil {
		return nil, errors.New("pipeline: transport is required")
	}
	sending := cfg.Source != nil
	if sending && cfg.Encoder == nil {
		return nil, errors.New("pipeline: sender needs an encoder")
	}
	if !sending && (cfg.Decoder == nil || cfg.Renderer == nil) {
		return nil, errors.New("pipeline: receiver needs a decoder and a renderer")
	}
	if cfg.Secure.Clock == nil {
		cfg.Secure.Clock = cfg.Clock
	}

	id := uuid.NewString()
	u := uuid.MustParse(id)
	ssrc := binary.BigEndian.Uint32(u[0:4])

	c := &Controller{
		id:      id,
		cfg:     cfg,
		log:     cfg.Log.With("component", "pipeline", "session_id", id),
		ssrc:    ssrc,
		sending: sending,
	}
	if sending {
		c.bitrate = newBitrateController(cfg.Bitrate)
		c.stats.targetBitrate.Store(c.bitrate.Target())
		c.limiter = rate.NewLimiter(rate.Limit(c.bitrate.Target()/8), burstFor(cfg.Transport))
	}
	c.state.Store(int32(StateConnecting))
	return c, nil
}

// burstFor sizes the pacer burst so a whole fragmented key unit can
// leave without artificial stalls.
func burstFor(t transport.Transport) int {
	b := t.MaxRecordSize() * 16
	if b < 32*1024 {
		b = 32 * 1024
	}
	return b
}

// ID returns the session identifier.
func (c *Controller) ID() string { return c.id }

// State reports the current lifecycle state.
func (c *Controller) State() State { return State(c.state.Load()) }

// Stats returns a point-in-time snapshot of the session counters.
func (c *Controller) Stats() Snapshot { return c.stats.Snapshot() }

func (c *Controller) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.log.Info("state change", "from", old.String(), "to", s.String())
	}
}

// Run drives the session: handshake with bounded retries, then the
// streaming goroutines until ctx is cancelled or a fatal error occurs.
// It always leaves the session closed and key material released.
func (c *Controller) Run(ctx context.Context) error {
	defer c.setState(StateClosed)

	if err := c.connect(ctx); err != nil {
		c.closeSession()
		return err
	}
	c.setState(StateStreaming)
	c.log.Info("established", "peer", c.sess.PeerIdentity())

	err := c.stream(ctx)

	c.setState(StateClosing)
	c.closeSession()
	if err != nil && !errors.Is(err, context.Canceled) {
		c.log.Error("session ended", "error", err)
		return fmt.Errorf("pipeline: session %s: %w", c.id, err)
	}
	c.log.Info("session ended")
	return nil
}

func (c *Controller) closeSession() {
	c.sessMu.Lock()
	if c.sess != nil {
		c.sess.Close()
	}
	c.sessMu.Unlock()
}

// connect performs the handshake with capped exponential backoff between
// attempts. Authentication failures are fatal immediately: retrying a
// peer that failed verification is never correct.
func (c *Controller) connect(ctx context.Context) error {
	c.setState(StateHandshaking)
	backoff := c.cfg.HandshakeBackoff

	var lastErr error
	for attempt := 1; attempt <= c.cfg.HandshakeAttempts; attempt++ {
		err := c.handshakeOnce(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, secure.ErrAuthFailure) {
			return fmt.Errorf("pipeline: handshake authentication: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		c.log.Warn("handshake attempt failed", "attempt", attempt, "error", err)

		if attempt == c.cfg.HandshakeAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxHandshakeBackoff {
			backoff = maxHandshakeBackoff
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrHandshakeTimeout, c.cfg.HandshakeAttempts, lastErr)
}

func (c *Controller) handshakeOnce(ctx context.Context) error {
	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	sess, err := secure.NewSession(c.cfg.Secure)
	if err != nil {
		return err
	}
	c.sessMu.Lock()
	if c.sess != nil {
		c.sess.Close()
	}
	c.sess = sess
	c.sessMu.Unlock()

	c.early = nil

	out, err := sess.BeginHandshake(c.cfg.Role)
	if err != nil {
		return err
	}
	if len(out) > 0 {
		if err := c.sendHandshakeFlight(out); err != nil {
			return err
		}
	}

	var buf []byte
	for {
		raw, err := c.cfg.Transport.Receive(hsCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("pipeline: awaiting peer flight: %w", err)
			}
			return err
		}
		rec, err := secure.ParseRecord(raw)
		if err != nil {
			return err
		}
		if rec.Type != secure.RecordHandshake {
			if len(c.early) < maxEarlyRecords {
				c.early = append(c.early, raw)
			}
			continue
		}
		pt, err := sess.Open(rec)
		if err != nil {
			return err
		}
		buf = append(buf, pt...)

		n := completeMsgPrefix(buf)
		if n == 0 {
			continue
		}
		out, established, err := sess.DriveHandshake(buf[:n])
		buf = buf[n:]
		if err != nil {
			return err
		}
		if len(out) > 0 {
			if err := c.sendHandshakeFlight(out); err != nil {
				return err
			}
		}
		if established {
			return nil
		}
	}
}

// sendHandshakeFlight chunks a flight into handshake records sized to
// the transport. The receiving side reassembles across records, so a
// chunk boundary may fall anywhere.
func (c *Controller) sendHandshakeFlight(flight []byte) error {
	maxChunk := c.cfg.Transport.MaxRecordSize() - secure.Overhead
	for len(flight) > 0 {
		n := len(flight)
		if n > maxChunk {
			n = maxChunk
		}
		c.sessMu.Lock()
		rec, err := c.sess.Seal(secure.RecordHandshake, flight[:n])
		c.sessMu.Unlock()
		if err != nil {
			return err
		}
		if err := c.cfg.Transport.Send(rec.Marshal()); err != nil {
			return err
		}
		flight = flight[n:]
	}
	return nil
}

// completeMsgPrefix returns the length of the longest prefix of b that
// holds only whole handshake messages (varint type, 16-bit length,
// payload).
func completeMsgPrefix(b []byte) int {
	n := 0
	for n < len(b) {
		_, vn, err := quicvarint.Parse(b[n:])
		if err != nil {
			break
		}
		if n+vn+2 > len(b) {
			break
		}
		l := int(binary.BigEndian.Uint16(b[n+vn : n+vn+2]))
		total := vn + 2 + l
		if n+total > len(b) {
			break
		}
		n += total
	}
	return n
}

// stream runs the per-role goroutine set until cancellation or a fatal
// error, then drains best-effort within the drain deadline.
func (c *Controller) stream(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if c.sending {
		frames := make(chan *media.Frame, media.CaptureQueueDepth)
		units := make(chan *media.EncodedUnit, media.SendQueueDepth)

		g.Go(func() error { return c.captureLoop(gctx, frames) })
		g.Go(func() error { return c.encodeLoop(gctx, frames, units) })
		g.Go(func() error { return c.sendLoop(gctx, units) })
		g.Go(func() error { return c.senderFeedbackLoop(gctx) })
		g.Go(func() error { return c.senderRecvLoop(gctx) })
	} else {
		units := make(chan *media.EncodedUnit, media.DecodeQueueDepth)
		depack := packet.NewDepacketizer(c.log, c.cfg.ReorderDeadline, reorderMaxPending)

		g.Go(func() error { return c.receiveLoop(gctx, depack, units) })
		g.Go(func() error { return c.receiverFeedbackLoop(gctx, depack, units) })
		g.Go(func() error { return c.decodeLoop(gctx, units) })
	}

	return g.Wait()
}

func (c *Controller) captureLoop(ctx context.Context, out chan<- *media.Frame) error {
	if err := c.cfg.Source.Start(); err != nil {
		return fmt.Errorf("pipeline: start capture: %w", err)
	}
	defer c.cfg.Source.Stop()

	for {
		frame, err := c.cfg.Source.Capture(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, capture.ErrStopped) {
				return ctx.Err()
			}
			if errors.Is(err, media.ErrPoolExhausted) {
				// Recoverable once downstream releases buffers.
				c.stats.framesDropped.Add(1)
				continue
			}
			c.log.Warn("capture error", "error", err)
			c.stats.framesDropped.Add(1)
			continue
		}
		c.stats.framesCaptured.Add(1)

		// Capture blocks when encode falls behind; backpressure rather
		// than frame shedding at this stage.
		select {
		case out <- frame:
		case <-ctx.Done():
			frame.Release()
			return ctx.Err()
		}
	}
}

func (c *Controller) encodeLoop(ctx context.Context, in <-chan *media.Frame, out chan *media.EncodedUnit) error {
	for {
		var frame *media.Frame
		select {
		case frame = <-in:
		case <-ctx.Done():
			return ctx.Err()
		}

		unit, err := c.cfg.Encoder.Submit(frame)
		frame.Release()
		if err != nil {
			if errors.Is(err, codec.ErrNoBackend) {
				return fmt.Errorf("pipeline: encode: %w", err)
			}
			c.log.Warn("encode error", "error", err)
			c.stats.framesDropped.Add(1)
			continue
		}
		c.stats.unitsEncoded.Add(1)
		if unit.Key {
			c.stats.keyUnits.Add(1)
		}
		c.enqueueSend(out, unit)
	}
}

// enqueueSend applies the send queue policy: block-free enqueue that
// sheds the oldest non-key unit under congestion. Key units survive
// unless displaced by a newer key unit.
func (c *Controller) enqueueSend(ch chan *media.EncodedUnit, unit *media.EncodedUnit) {
	for {
		select {
		case ch <- unit:
			return
		default:
		}
		select {
		case old := <-ch:
			if old.Key && !unit.Key {
				c.stats.unitsShed.Add(1)
				select {
				case ch <- old:
				default:
					c.stats.unitsShed.Add(1)
				}
				return
			}
			c.stats.unitsShed.Add(1)
		default:
		}
	}
}

func (c *Controller) sendLoop(ctx context.Context, in chan *media.EncodedUnit) error {
	maxFragment := c.cfg.Transport.MaxRecordSize() - secure.Overhead
	pk, err := packet.NewPacketizer(c.ssrc, maxFragment)
	if err != nil {
		return err
	}

	for {
		var unit *media.EncodedUnit
		select {
		case unit = <-in:
		case <-ctx.Done():
			return c.drainSend(in, pk)
		}
		if err := c.sendUnit(ctx, pk, unit); err != nil {
			return err
		}
	}
}

// drainSend flushes queued units best-effort within the drain deadline
// after cancellation.
func (c *Controller) drainSend(in chan *media.EncodedUnit, pk *packet.Packetizer) error {
	drainCtx, cancel := context.WithTimeout(context.Background(), c.cfg.DrainTimeout)
	defer cancel()
	for {
		select {
		case unit := <-in:
			if err := c.sendUnit(drainCtx, pk, unit); err != nil {
				return nil
			}
		default:
			return nil
		}
	}
}

func (c *Controller) sendUnit(ctx context.Context, pk *packet.Packetizer, unit *media.EncodedUnit) error {
	pkts, err := pk.Packetize(unit)
	if err != nil {
		return fmt.Errorf("pipeline: packetize: %w", err)
	}
	for _, p := range pkts {
		if err := c.limiter.WaitN(ctx, len(p)); err != nil {
			return err
		}
		c.sessMu.Lock()
		rec, err := c.sess.Seal(secure.RecordApp, p)
		c.sessMu.Unlock()
		if err != nil {
			return fmt.Errorf("pipeline: seal: %w", err)
		}
		wire := rec.Marshal()
		if err := c.cfg.Transport.Send(wire); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return err
			}
			c.log.Warn("send error", "error", err)
			continue
		}
		c.stats.recordsSent.Add(1)
		c.stats.bytesSent.Add(int64(len(wire)))
	}
	return nil
}

// senderFeedbackLoop emits periodic sender reports so the receiver can
// echo them back for RTT measurement.
func (c *Controller) senderFeedbackLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.FeedbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
		c.bitrateMu.Lock()
		sr := c.timer.buildSenderReport(c.ssrc, c.cfg.Clock(),
			uint32(c.stats.recordsSent.Load()), uint32(c.stats.bytesSent.Load()))
		c.bitrateMu.Unlock()
		if err := c.sendControl(sr); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return err
			}
			c.log.Warn("feedback send error", "error", err)
		}
	}
}

func (c *Controller) sendControl(pkts ...rtcp.Packet) error {
	payload, err := marshalFeedback(pkts...)
	if err != nil {
		return err
	}
	c.sessMu.Lock()
	rec, err := c.sess.Seal(secure.RecordControl, payload)
	c.sessMu.Unlock()
	if err != nil {
		return err
	}
	wire := rec.Marshal()
	if err := c.cfg.Transport.Send(wire); err != nil {
		return err
	}
	c.stats.recordsSent.Add(1)
	c.stats.bytesSent.Add(int64(len(wire)))
	return nil
}

// senderRecvLoop consumes receiver feedback: reception reports feed the
// bitrate controller, picture loss indications force a key unit.
func (c *Controller) senderRecvLoop(ctx context.Context) error {
	for {
		pt, rt, err := c.receiveRecord(ctx)
		if err != nil {
			return err
		}
		if rt != secure.RecordControl {
			continue
		}
		pkts, err := parseFeedback(pt)
		if err != nil {
			c.log.Warn("bad feedback", "error", err)
			continue
		}
		for _, p := range pkts {
			switch fb := p.(type) {
			case *rtcp.ReceiverReport:
				c.applyReceiverReport(fb)
			case *rtcp.PictureLossIndication:
				c.stats.keyUnitRequestsReceived.Add(1)
				c.cfg.Encoder.RequestKeyUnit()
			}
		}
	}
}

// receiveRecord reads and opens one record. Any open failure wrapping
// ErrAuthFailure is fatal and propagates for teardown.
func (c *Controller) receiveRecord(ctx context.Context) ([]byte, secure.RecordType, error) {
	var raw []byte
	if len(c.early) > 0 {
		raw, c.early = c.early[0], c.early[1:]
	} else {
		var err error
		raw, err = c.cfg.Transport.Receive(ctx)
		if err != nil {
			return nil, 0, err
		}
	}
	rec, err := secure.ParseRecord(raw)
	if err != nil {
		c.log.Warn("malformed record", "error", err)
		return nil, 0, nil
	}
	c.sessMu.Lock()
	pt, err := c.sess.Open(rec)
	c.sessMu.Unlock()
	if err != nil {
		if errors.Is(err, secure.ErrAuthFailure) {
			return nil, 0, fmt.Errorf("pipeline: open record: %w", err)
		}
		c.log.Warn("record rejected", "error", err)
		return nil, 0, nil
	}
	c.stats.recordsReceived.Add(1)
	c.stats.bytesReceived.Add(int64(len(raw)))
	if pt == nil {
		return nil, 0, nil
	}
	return pt, rec.Type, nil
}

func (c *Controller) applyReceiverReport(rr *rtcp.ReceiverReport) {
	now := c.cfg.Clock()
	for _, rep := range rr.Reports {
		c.bitrateMu.Lock()
		rtt := c.timer.rttFromReport(rep, now)
		lossRate := float64(rep.FractionLost) / 256
		target, changed := c.bitrate.observe(lossRate, rtt)
		degraded := c.bitrate.degraded()
		c.bitrateMu.Unlock()

		if rtt > 0 {
			c.stats.rttNanos.Store(int64(rtt))
		}
		c.stats.lossPermille.Store(int64(lossRate * 1000))

		if changed {
			c.stats.targetBitrate.Store(target)
			c.limiter.SetLimit(rate.Limit(target / 8))
			s := c.cfg.Encoder.Settings()
			s.TargetBitrate = int(target)
			c.cfg.Encoder.Configure(s)
			c.log.Info("bitrate adjusted", "target", target, "loss_rate", lossRate, "rtt", rtt)
		}
		if degraded {
			c.setState(StateDegraded)
		} else if c.State() == StateDegraded {
			c.setState(StateStreaming)
		}
	}
}

// receiveLoop opens application records, feeds the depacketizer, and
// hands reassembled units to decode. A lost key unit triggers an
// immediate key-unit request back to the sender.
func (c *Controller) receiveLoop(ctx context.Context, depack *packet.Depacketizer, out chan<- *media.EncodedUnit) error {
	for {
		pt, rt, err := c.receiveRecord(ctx)
		if err != nil {
			return err
		}
		switch rt {
		case secure.RecordApp:
			units, losses, err := depack.Push(pt, c.cfg.Clock())
			if err != nil {
				c.log.Warn("bad fragment", "error", err)
				continue
			}
			c.accountLosses(losses)
			for _, u := range units {
				c.windowDelivered.Add(1)
				c.highestSeq.Store(uint32(u.Sequence))
				select {
				case out <- u:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		case secure.RecordControl:
			pkts, err := parseFeedback(pt)
			if err != nil {
				c.log.Warn("bad feedback", "error", err)
				continue
			}
			now := c.cfg.Clock()
			for _, p := range pkts {
				if sr, ok := p.(*rtcp.SenderReport); ok {
					c.bitrateMu.Lock()
					c.timer.noteSenderReport(sr, now)
					c.bitrateMu.Unlock()
				}
			}
		}
	}
}

func (c *Controller) accountLosses(losses []packet.Loss) {
	needKey := false
	for _, l := range losses {
		c.stats.unitsLost.Add(1)
		c.windowLost.Add(1)
		if l.KeyUnitNeeded() {
			needKey = true
		}
	}
	if !needKey {
		return
	}
	c.stats.keyUnitRequestsSent.Add(1)
	if err := c.sendControl(buildKeyUnitRequest(c.ssrc, c.ssrc)); err != nil {
		c.log.Warn("key unit request failed", "error", err)
	}
}

// receiverFeedbackLoop expires the reorder window and reports the
// window's delivery quality back to the sender.
func (c *Controller) receiverFeedbackLoop(ctx context.Context, depack *packet.Depacketizer, out chan<- *media.EncodedUnit) error {
	ticker := time.NewTicker(c.cfg.FeedbackInterval / 4)
	defer ticker.Stop()

	lastReport := c.cfg.Clock()
	for {
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
		now := c.cfg.Clock()

		units, losses := depack.Expire(now)
		c.accountLosses(losses)
		for _, u := range units {
			c.windowDelivered.Add(1)
			c.highestSeq.Store(uint32(u.Sequence))
			select {
			case out <- u:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if now.Sub(lastReport) < c.cfg.FeedbackInterval {
			continue
		}
		lastReport = now

		delivered := c.windowDelivered.Swap(0)
		lost := c.windowLost.Swap(0)
		c.bitrateMu.Lock()
		rr := c.timer.buildReceiverReport(c.ssrc, c.ssrc, delivered+lost, lost, c.highestSeq.Load(), now)
		c.bitrateMu.Unlock()
		if err := c.sendControl(rr); err != nil {
			if errors.Is(err, transport.ErrClosed) {
				return err
			}
			c.log.Warn("feedback send error", "error", err)
		}
	}
}

func (c *Controller) decodeLoop(ctx context.Context, in <-chan *media.EncodedUnit) error {
	for {
		var unit *media.EncodedUnit
		select {
		case unit = <-in:
		case <-ctx.Done():
			return ctx.Err()
		}

		frame, err := c.cfg.Decoder.Decode(unit)
		if err != nil {
			if errors.Is(err, codec.ErrNeedKeyUnit) {
				// The reorder window already requested a key unit when it
				// declared the gap; skip until it arrives.
				continue
			}
			c.log.Warn("decode error", "error", err)
			continue
		}
		c.stats.unitsDecoded.Add(1)

		if err := c.cfg.Renderer.Render(frame, unit.Captured); err != nil {
			c.log.Warn("render error", "error", err)
		} else {
			c.stats.framesRendered.Add(1)
		}
		frame.Release()
	}
}
