package secure

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// RecordType discriminates what a record carries.
type RecordType byte

const (
	RecordHandshake RecordType = 0x01
	RecordApp       RecordType = 0x02
	RecordControl   RecordType = 0x03
)

// recordHeaderLen is type(1) + epoch(2) + counter(8). The header is the
// AEAD associated data, so tampering with any field fails authentication.
const recordHeaderLen = 11

// Overhead is the bytes Seal adds to a plaintext: the record header plus
// the AEAD tag. Callers size fragments to MaxRecordSize - Overhead.
const Overhead = recordHeaderLen + chacha20poly1305.Overhead

// Record is the unit handed to the transport adapter.
type Record struct {
	Type       RecordType
	Epoch      uint16
	Counter    uint64
	Ciphertext []byte
}

// Marshal serializes the record for the wire.
func (r *Record) Marshal() []byte {
	out := make([]byte, recordHeaderLen+len(r.Ciphertext))
	r.header(out[:recordHeaderLen])
	copy(out[recordHeaderLen:], r.Ciphertext)
	return out
}

func (r *Record) header(dst []byte) {
	dst[0] = byte(r.Type)
	binary.BigEndian.PutUint16(dst[1:], r.Epoch)
	binary.BigEndian.PutUint64(dst[3:], r.Counter)
}

// ParseRecord splits a wire datagram into header and ciphertext. The
// ciphertext aliases the input.
func ParseRecord(b []byte) (*Record, error) {
	if len(b) < recordHeaderLen {
		return nil, fmt.Errorf("secure: record too short: %d bytes", len(b))
	}
	t := RecordType(b[0])
	if t != RecordHandshake && t != RecordApp && t != RecordControl {
		return nil, fmt.Errorf("secure: unknown record type %#x", b[0])
	}
	return &Record{
		Type:       t,
		Epoch:      binary.BigEndian.Uint16(b[1:]),
		Counter:    binary.BigEndian.Uint64(b[3:]),
		Ciphertext: b[recordHeaderLen:],
	}, nil
}

// Seal encrypts one plaintext under the current send epoch. Counters start
// at 1 and strictly increase; when the epoch's counter reaches the rotation
// threshold the session rotates keys first, so the nonce space can never be
// exhausted. Handshake-type records are framed but not encrypted: they flow
// before any keys exist and carry only public handshake material.
func (s *Session) Seal(t RecordType, plaintext []byte) (*Record, error) {
	if s.state == StateClosed {
		return nil, ErrClosed
	}
	if t == RecordHandshake {
		if s.state == StateEstablished && !s.pendingFlight {
			return nil, fmt.Errorf("%w: handshake record after establishment", ErrHandshakeState)
		}
		s.hsSendCounter++
		return &Record{Type: t, Epoch: 0, Counter: s.hsSendCounter, Ciphertext: plaintext}, nil
	}
	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}
	s.pendingFlight = false

	if s.send.counter >= s.cfg.RotateAfter {
		if err := s.RotateKeys(); err != nil {
			return nil, err
		}
	}

	s.send.counter++
	rec := &Record{Type: t, Epoch: s.send.epoch, Counter: s.send.counter}

	var hdr [recordHeaderLen]byte
	rec.header(hdr[:])
	nonce := s.send.nonce(rec.Counter)
	rec.Ciphertext = s.send.aead.Seal(nil, nonce, plaintext, hdr[:])
	return rec, nil
}

// Open authenticates and decrypts one record. Any failure that wraps
// ErrAuthFailure (bad tag, replayed or non-increasing counter, an epoch
// outside the grace window) is fatal to the session and must be surfaced
// for teardown, never retried.
func (s *Session) Open(rec *Record) ([]byte, error) {
	if s.state == StateClosed {
		return nil, ErrClosed
	}
	if rec.Type == RecordHandshake {
		if s.state == StateEstablished {
			return nil, fmt.Errorf("%w: handshake record after establishment", ErrHandshakeState)
		}
		if rec.Counter <= s.hsRecvCounter {
			return nil, ErrReplay
		}
		s.hsRecvCounter = rec.Counter
		return rec.Ciphertext, nil
	}
	if s.state != StateEstablished {
		return nil, ErrNotEstablished
	}

	now := s.cfg.Clock()
	s.expireGrace(now)

	switch {
	case rec.Epoch == s.recv.epoch:
		return s.openCurrent(rec)

	case rec.Epoch == s.recv.epoch+1:
		// The peer rotated. Keep the outgoing epoch's keys alive for the
		// grace window so reordered in-flight records still decrypt. The
		// IV must be copied: ratchet zeroizes the current IV in place.
		prev := &epochKeys{
			aead:    s.recv.aead,
			iv:      append([]byte(nil), s.recv.iv...),
			epoch:   s.recv.epoch,
			counter: s.recv.counter,
		}
		if err := s.recv.ratchet(); err != nil {
			return nil, err
		}
		s.recv.prev = prev
		s.recv.prevExpiry = now.Add(s.cfg.GraceWindow)
		if until := now.Add(s.cfg.GraceWindow); until.After(s.rotatingUntil) {
			s.rotatingUntil = until
		}
		return s.openCurrent(rec)

	case s.recv.prev != nil && rec.Epoch == s.recv.prev.epoch:
		if rec.Counter <= s.recv.prev.counter {
			return nil, ErrReplay
		}
		var hdr [recordHeaderLen]byte
		rec.header(hdr[:])
		pt, err := s.recv.prev.aead.Open(nil, nonceFor(s.recv.prev.iv, rec.Counter), rec.Ciphertext, hdr[:])
		if err != nil {
			return nil, fmt.Errorf("%w: prior-epoch record rejected", ErrAuthFailure)
		}
		s.recv.prev.counter = rec.Counter
		return pt, nil

	default:
		return nil, ErrEpochExpired
	}
}

func (s *Session) openCurrent(rec *Record) ([]byte, error) {
	if rec.Counter <= s.recv.counter {
		return nil, ErrReplay
	}
	var hdr [recordHeaderLen]byte
	rec.header(hdr[:])
	pt, err := s.recv.aead.Open(nil, s.recv.nonce(rec.Counter), rec.Ciphertext, hdr[:])
	if err != nil {
		return nil, fmt.Errorf("%w: record rejected", ErrAuthFailure)
	}
	s.recv.counter = rec.Counter
	return pt, nil
}

// expireGrace destroys previous-epoch receive keys once their window ends.
func (s *Session) expireGrace(now time.Time) {
	if s.recv.prev != nil && now.After(s.recv.prevExpiry) {
		zero(s.recv.prev.iv)
		s.recv.prev = nil
	}
}

// RotateKeys advances the send direction to the next epoch. The peer picks
// the rotation up from the epoch field of the next record; nothing is
// dropped, and records already in flight under the old epoch stay
// decryptable on the peer until its grace window closes.
func (s *Session) RotateKeys() error {
	if s.state != StateEstablished {
		return ErrNotEstablished
	}
	if err := s.send.ratchet(); err != nil {
		return err
	}
	s.rotatingUntil = s.cfg.Clock().Add(s.cfg.GraceWindow)
	return nil
}
