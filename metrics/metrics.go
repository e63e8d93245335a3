// Package metrics exposes pipeline session counters to Prometheus. The
// collector reads a stats snapshot at scrape time instead of double
// booking every event, so the hot path stays free of metrics code.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/voralis/specto/pipeline"
)

const namespace = "specto"

// Collector implements prometheus.Collector over one session's stats.
type Collector struct {
	source func() pipeline.Snapshot
	labels prometheus.Labels

	framesCaptured  *prometheus.Desc
	framesDropped   *prometheus.Desc
	unitsEncoded    *prometheus.Desc
	keyUnits        *prometheus.Desc
	unitsShed       *prometheus.Desc
	recordsSent     *prometheus.Desc
	bytesSent       *prometheus.Desc
	recordsReceived *prometheus.Desc
	bytesReceived   *prometheus.Desc
	unitsDecoded    *prometheus.Desc
	framesRendered  *prometheus.Desc
	unitsLost       *prometheus.Desc
	keyReqsSent     *prometheus.Desc
	keyReqsReceived *prometheus.Desc
	targetBitrate   *prometheus.Desc
	rttSeconds      *prometheus.Desc
	lossRatio       *prometheus.Desc
}

// NewCollector builds a collector labeled with the session ID. source is
// called once per scrape.
func NewCollector(sessionID string, source func() pipeline.Snapshot) *Collector {
	labels := prometheus.Labels{"session_id": sessionID}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(namespace+"_"+name, help, nil, labels)
	}
	return &Collector{
		source:          source,
		labels:          labels,
		framesCaptured:  desc("frames_captured_total", "Frames pulled from the capture source"),
		framesDropped:   desc("frames_dropped_total", "Frames dropped before encoding"),
		unitsEncoded:    desc("units_encoded_total", "Encoded units produced"),
		keyUnits:        desc("key_units_total", "Key units produced"),
		unitsShed:       desc("units_shed_total", "Units shed by the send queue under congestion"),
		recordsSent:     desc("records_sent_total", "Secure records sent"),
		bytesSent:       desc("bytes_sent_total", "Bytes sent on the transport"),
		recordsReceived: desc("records_received_total", "Secure records received"),
		bytesReceived:   desc("bytes_received_total", "Bytes received on the transport"),
		unitsDecoded:    desc("units_decoded_total", "Units decoded"),
		framesRendered:  desc("frames_rendered_total", "Frames handed to the renderer"),
		unitsLost:       desc("units_lost_total", "Units declared lost by the reorder window"),
		keyReqsSent:     desc("key_unit_requests_sent_total", "Key-unit requests sent to the peer"),
		keyReqsReceived: desc("key_unit_requests_received_total", "Key-unit requests received from the peer"),
		targetBitrate:   desc("target_bitrate_bps", "Current adaptive bitrate target"),
		rttSeconds:      desc("rtt_seconds", "Latest round-trip time estimate"),
		lossRatio:       desc("loss_ratio", "Latest observed loss ratio"),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.source()
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.framesCaptured, s.FramesCaptured)
	counter(c.framesDropped, s.FramesDropped)
	counter(c.unitsEncoded, s.UnitsEncoded)
	counter(c.keyUnits, s.KeyUnits)
	counter(c.unitsShed, s.UnitsShed)
	counter(c.recordsSent, s.RecordsSent)
	counter(c.bytesSent, s.BytesSent)
	counter(c.recordsReceived, s.RecordsReceived)
	counter(c.bytesReceived, s.BytesReceived)
	counter(c.unitsDecoded, s.UnitsDecoded)
	counter(c.framesRendered, s.FramesRendered)
	counter(c.unitsLost, s.UnitsLost)
	counter(c.keyReqsSent, s.KeyUnitRequestsSent)
	counter(c.keyReqsReceived, s.KeyUnitRequestsReceived)
	gauge(c.targetBitrate, float64(s.TargetBitrate))
	gauge(c.rttSeconds, s.RTT.Seconds())
	gauge(c.lossRatio, float64(s.LossPermille)/1000)
}
