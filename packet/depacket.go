package packet

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/pion/rtp"

	"github.com/voralis/specto/media"
)

// Loss reports one unit that missed its reorder deadline. Seen is false
// when no fragment of the unit ever arrived, in which case the Key flag is
// unknown and the receiver should assume the worst.
type Loss struct {
	Sequence uint64
	Key      bool
	Seen     bool
}

// KeyUnitNeeded reports whether recovering from this loss requires a fresh
// key unit from the sender.
func (l Loss) KeyUnitNeeded() bool { return l.Key || !l.Seen }

type pendingUnit struct {
	frags    [][]byte
	got      int
	count    int
	key      bool
	codec    string
	arrived  time.Time // first fragment arrival
	deadline time.Time
}

func (u *pendingUnit) complete() bool { return u.count > 0 && u.got == u.count }

// Depacketizer reassembles units from fragments arriving in any order
// within a bounded reorder window. Unit sequences are inherited from the
// capture source and start at zero for a session; delivery is strictly
// in sequence order from zero. A unit whose fragments do not all arrive
// before its deadline is discarded and reported as a Loss, as is a
// sequence-number gap that outlives the window.
type Depacketizer struct {
	log        *slog.Logger
	deadline   time.Duration
	maxPending int

	pending  map[uint64]*pendingUnit
	next     uint64 // next sequence to deliver
	lastSeq  uint64 // highest unwrapped sequence seen, for 32-bit unwrap
	lateFrag int64
}

// NewDepacketizer creates a depacketizer. deadline is the maximum
// out-of-order delay tolerated before a unit is declared lost; maxPending
// bounds the window by unit count so a burst cannot grow state without
// limit. If log is nil, slog.Default() is used.
func NewDepacketizer(log *slog.Logger, deadline time.Duration, maxPending int) *Depacketizer {
	if log == nil {
		log = slog.Default()
	}
	if maxPending <= 0 {
		maxPending = 64
	}
	return &Depacketizer{
		log:        log.With("component", "depacketizer"),
		deadline:   deadline,
		maxPending: maxPending,
		pending:    make(map[uint64]*pendingUnit),
	}
}

// LateFragments counts fragments that arrived after their unit's window
// closed. They are dropped, never delivered late.
func (d *Depacketizer) LateFragments() int64 { return d.lateFrag }

// Push ingests one marshaled RTP fragment and returns any units that became
// deliverable plus any losses declared by the reorder deadline.
func (d *Depacketizer) Push(raw []byte, now time.Time) ([]*media.EncodedUnit, []Loss, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(raw); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadFragment, err)
	}
	if len(pkt.Payload) < fragHeaderLen {
		return nil, nil, fmt.Errorf("%w: %d byte payload", ErrBadFragment, len(pkt.Payload))
	}

	flags := pkt.Payload[0]
	codec := codecName(pkt.Payload[1])
	index := int(binary.BigEndian.Uint16(pkt.Payload[2:]))
	count := int(binary.BigEndian.Uint16(pkt.Payload[4:]))
	body := pkt.Payload[fragHeaderLen:]

	if count == 0 || index >= count {
		return nil, nil, fmt.Errorf("%w: fragment %d of %d", ErrBadFragment, index, count)
	}

	seq := d.unwrap(pkt.Timestamp)
	if seq < d.next {
		// Unit already delivered or declared lost; the window is closed.
		d.lateFrag++
	} else {
		u, ok := d.pending[seq]
		if !ok {
			u = &pendingUnit{
				frags:    make([][]byte, count),
				count:    count,
				arrived:  now,
				deadline: now.Add(d.deadline),
			}
			d.pending[seq] = u
		}
		if u.count != count {
			return nil, nil, fmt.Errorf("%w: unit %d fragment count changed %d -> %d",
				ErrBadFragment, seq, u.count, count)
		}
		if u.frags[index] == nil {
			u.frags[index] = append([]byte(nil), body...)
			u.got++
			u.key = flags&flagKeyUnit != 0
			u.codec = codec
		}
	}

	units, losses := d.sweep(now)
	return units, losses, nil
}

// Expire advances the reorder window without new input, flushing units and
// gaps whose deadlines have passed. The controller calls this on a timer so
// a stalled sender still produces loss reports.
func (d *Depacketizer) Expire(now time.Time) ([]*media.EncodedUnit, []Loss) {
	return d.sweep(now)
}

// sweep delivers in-order complete units and declares losses for expired
// incomplete units and expired gaps, in sequence order.
func (d *Depacketizer) sweep(now time.Time) ([]*media.EncodedUnit, []Loss) {
	var units []*media.EncodedUnit
	var losses []Loss

	d.enforceBound(&losses)

	for {
		u, ok := d.pending[d.next]
		if ok && u.complete() {
			units = append(units, d.assemble(d.next, u))
			delete(d.pending, d.next)
			d.next++
			continue
		}
		if ok && now.After(u.deadline) {
			d.log.Debug("unit missed reorder deadline", "sequence", d.next, "got", u.got, "want", u.count)
			losses = append(losses, Loss{Sequence: d.next, Key: u.key, Seen: true})
			delete(d.pending, d.next)
			d.next++
			continue
		}
		if !ok && d.gapExpired(now) {
			// No fragment of d.next ever arrived, yet newer units have
			// outlived the window: the unit is gone, not reordered.
			losses = append(losses, Loss{Sequence: d.next, Seen: false})
			d.next++
			continue
		}
		break
	}
	return units, losses
}

// gapExpired reports whether some pending unit newer than d.next has been
// waiting longer than the reorder window.
func (d *Depacketizer) gapExpired(now time.Time) bool {
	for seq, u := range d.pending {
		if seq > d.next && now.Sub(u.arrived) >= d.deadline {
			return true
		}
	}
	return false
}

// enforceBound evicts the oldest pending units when the window exceeds
// maxPending, reporting them as losses.
func (d *Depacketizer) enforceBound(losses *[]Loss) {
	if len(d.pending) <= d.maxPending {
		return
	}
	seqs := make([]uint64, 0, len(d.pending))
	for seq := range d.pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	for _, seq := range seqs[:len(seqs)-d.maxPending] {
		u := d.pending[seq]
		*losses = append(*losses, Loss{Sequence: seq, Key: u.key, Seen: true})
		delete(d.pending, seq)
		if seq >= d.next {
			d.next = seq + 1
		}
	}
}

func (d *Depacketizer) assemble(seq uint64, u *pendingUnit) *media.EncodedUnit {
	var total int
	for _, f := range u.frags {
		total += len(f)
	}
	payload := make([]byte, 0, total)
	for _, f := range u.frags {
		payload = append(payload, f...)
	}
	return &media.EncodedUnit{
		Codec:    u.codec,
		Sequence: seq,
		Key:      u.key,
		Captured: u.arrived,
		Payload:  payload,
	}
}

// unwrap extends the 32-bit wire sequence to 64 bits against the highest
// sequence seen so far.
func (d *Depacketizer) unwrap(ts uint32) uint64 {
	const span = uint64(1) << 32
	base := d.lastSeq &^ (span - 1)
	candidate := base | uint64(ts)

	best := candidate
	if c := candidate + span; diff64(c, d.lastSeq) < diff64(best, d.lastSeq) {
		best = c
	}
	if candidate >= span {
		if c := candidate - span; diff64(c, d.lastSeq) < diff64(best, d.lastSeq) {
			best = c
		}
	}
	if best > d.lastSeq {
		d.lastSeq = best
	}
	return best
}

func diff64(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
