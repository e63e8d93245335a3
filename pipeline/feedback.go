package pipeline

import (
	"fmt"
	"time"

	"github.com/pion/rtcp"
)

// Feedback rides RTCP compound packets inside control records: the
// sender emits sender reports so the receiver can time the path, the
// receiver answers with reception reports carrying loss and the echoed
// report timestamp for RTT, and a picture loss indication doubles as the
// explicit key-unit request after a lost key unit.

// ntpEpochOffset is the offset between the NTP epoch (1900) and the Unix
// epoch (1970) in seconds.
const ntpEpochOffset = 2208988800

func toNTP(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) * (1 << 32) / 1_000_000_000
	return secs<<32 | frac
}

// middleNTP folds the 64-bit NTP timestamp down to the middle 32 bits
// used by the LSR/DLSR fields.
func middleNTP(ntp uint64) uint32 { return uint32(ntp >> 16) }

// reportTimer tracks the last sender report seen in each direction so
// RTT can be computed from the echo.
type reportTimer struct {
	lastSRMiddle  uint32
	lastSRArrival time.Time

	sentSRMiddle uint32
	sentSRAt     time.Time
}

// buildSenderReport produces the periodic sender report.
func (rt *reportTimer) buildSenderReport(ssrc uint32, now time.Time, packets, octets uint32) rtcp.Packet {
	ntp := toNTP(now)
	rt.sentSRMiddle = middleNTP(ntp)
	rt.sentSRAt = now
	return &rtcp.SenderReport{
		SSRC:        ssrc,
		NTPTime:     ntp,
		RTPTime:     uint32(now.UnixNano() / int64(time.Millisecond) * 90), // 90kHz clock
		PacketCount: packets,
		OctetCount:  octets,
	}
}

// noteSenderReport records an incoming sender report for later echo.
func (rt *reportTimer) noteSenderReport(sr *rtcp.SenderReport, arrival time.Time) {
	rt.lastSRMiddle = middleNTP(sr.NTPTime)
	rt.lastSRArrival = arrival
}

// buildReceiverReport produces the per-window reception report. expected
// and lost count units in the window just ended.
func (rt *reportTimer) buildReceiverReport(ssrc, mediaSSRC uint32, expected, lost int64, highestSeq uint32, now time.Time) rtcp.Packet {
	var fraction uint8
	if expected > 0 {
		f := lost * 256 / expected
		if f > 255 {
			f = 255
		}
		if f > 0 {
			fraction = uint8(f)
		}
	}

	var lsr, dlsr uint32
	if rt.lastSRMiddle != 0 {
		lsr = rt.lastSRMiddle
		dlsr = uint32(now.Sub(rt.lastSRArrival).Seconds() * 65536)
	}

	return &rtcp.ReceiverReport{
		SSRC: ssrc,
		Reports: []rtcp.ReceptionReport{{
			SSRC:               mediaSSRC,
			FractionLost:       fraction,
			TotalLost:          uint32(lost),
			LastSequenceNumber: highestSeq,
			LastSenderReport:   lsr,
			Delay:              dlsr,
		}},
	}
}

// rttFromReport recovers the round-trip time from an echoed sender
// report, or zero when the echo does not match the last report sent.
func (rt *reportTimer) rttFromReport(rep rtcp.ReceptionReport, now time.Time) time.Duration {
	if rep.LastSenderReport == 0 || rep.LastSenderReport != rt.sentSRMiddle {
		return 0
	}
	elapsed := now.Sub(rt.sentSRAt)
	delay := time.Duration(rep.Delay) * time.Second / 65536
	rtt := elapsed - delay
	if rtt < 0 {
		return 0
	}
	return rtt
}

func buildKeyUnitRequest(ssrc, mediaSSRC uint32) rtcp.Packet {
	return &rtcp.PictureLossIndication{SenderSSRC: ssrc, MediaSSRC: mediaSSRC}
}

func marshalFeedback(pkts ...rtcp.Packet) ([]byte, error) {
	b, err := rtcp.Marshal(pkts)
	if err != nil {
		return nil, fmt.Errorf("pipeline: marshal feedback: %w", err)
	}
	return b, nil
}

func parseFeedback(b []byte) ([]rtcp.Packet, error) {
	pkts, err := rtcp.Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("pipeline: parse feedback: %w", err)
	}
	return pkts, nil
}
