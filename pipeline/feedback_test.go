package pipeline

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
)

func TestRTTFromEchoedReport(t *testing.T) {
	t.Parallel()

	var sender, receiver reportTimer
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sr := sender.buildSenderReport(0x11111111, t0, 100, 50_000).(*rtcp.SenderReport)

	// One-way delay 40ms, the receiver holds the report 10ms before
	// answering, and the answer lands 90ms after the report was sent.
	receiver.noteSenderReport(sr, t0.Add(40*time.Millisecond))
	rr := receiver.buildReceiverReport(0x22222222, 0x11111111, 30, 0, 30, t0.Add(50*time.Millisecond)).(*rtcp.ReceiverReport)

	rtt := sender.rttFromReport(rr.Reports[0], t0.Add(90*time.Millisecond))
	want := 80 * time.Millisecond
	if diff := rtt - want; diff < -time.Millisecond || diff > time.Millisecond {
		t.Fatalf("rtt = %v, want %v +- 1ms", rtt, want)
	}
}

func TestRTTIgnoresStaleEcho(t *testing.T) {
	t.Parallel()

	var sender reportTimer
	t0 := time.Now()
	sender.buildSenderReport(1, t0, 0, 0)

	rep := rtcp.ReceptionReport{LastSenderReport: 0xdeadbeef, Delay: 100}
	if rtt := sender.rttFromReport(rep, t0.Add(time.Second)); rtt != 0 {
		t.Fatalf("stale echo produced rtt %v, want 0", rtt)
	}

	rep = rtcp.ReceptionReport{}
	if rtt := sender.rttFromReport(rep, t0.Add(time.Second)); rtt != 0 {
		t.Fatalf("empty echo produced rtt %v, want 0", rtt)
	}
}

func TestFractionLost(t *testing.T) {
	t.Parallel()

	var rt reportTimer
	rr := rt.buildReceiverReport(1, 2, 100, 25, 99, time.Now()).(*rtcp.ReceiverReport)
	if got := rr.Reports[0].FractionLost; got != 64 {
		t.Fatalf("FractionLost = %d, want 64 (25/100 * 256)", got)
	}
	if got := rr.Reports[0].TotalLost; got != 25 {
		t.Fatalf("TotalLost = %d, want 25", got)
	}

	// Total loss saturates the fraction.
	rr = rt.buildReceiverReport(1, 2, 10, 20, 99, time.Now()).(*rtcp.ReceiverReport)
	if got := rr.Reports[0].FractionLost; got != 255 {
		t.Fatalf("FractionLost = %d, want saturated 255", got)
	}
}

func TestFeedbackWireRoundTrip(t *testing.T) {
	t.Parallel()

	b, err := marshalFeedback(buildKeyUnitRequest(7, 9))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	pkts, err := parseFeedback(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(pkts) != 1 {
		t.Fatalf("got %d packets, want 1", len(pkts))
	}
	pli, ok := pkts[0].(*rtcp.PictureLossIndication)
	if !ok {
		t.Fatalf("got %T, want *rtcp.PictureLossIndication", pkts[0])
	}
	if pli.SenderSSRC != 7 || pli.MediaSSRC != 9 {
		t.Fatalf("pli = %+v", pli)
	}
}
