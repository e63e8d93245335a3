package pipeline

import (
	"sync/atomic"
	"time"
)

// Stats accumulates streaming telemetry across the pipeline goroutines.
// All counters are atomic: the hot path never takes a lock to record a
// frame or a record. Readers take point-in-time Snapshots.
type Stats struct {
	framesCaptured atomic.Int64
	framesDropped  atomic.Int64
	unitsEncoded   atomic.Int64
	keyUnits       atomic.Int64
	unitsShed      atomic.Int64

	recordsSent     atomic.Int64
	bytesSent       atomic.Int64
	recordsReceived atomic.Int64
	bytesReceived   atomic.Int64

	unitsDecoded   atomic.Int64
	framesRendered atomic.Int64
	unitsLost      atomic.Int64

	keyUnitRequestsSent     atomic.Int64
	keyUnitRequestsReceived atomic.Int64

	targetBitrate atomic.Int64
	rttNanos      atomic.Int64
	lossPermille  atomic.Int64
}

// Snapshot is a read-only copy of the counters at one instant.
type Snapshot struct {
	FramesCaptured int64 `json:"framesCaptured"`
	FramesDropped  int64 `json:"framesDropped"`
	UnitsEncoded   int64 `json:"unitsEncoded"`
	KeyUnits       int64 `json:"keyUnits"`

	// UnitsShed counts outbound units dropped by the send queue's
	// drop-oldest-non-key policy under congestion.
	UnitsShed int64 `json:"unitsShed"`

	RecordsSent     int64 `json:"recordsSent"`
	BytesSent       int64 `json:"bytesSent"`
	RecordsReceived int64 `json:"recordsReceived"`
	BytesReceived   int64 `json:"bytesReceived"`

	UnitsDecoded   int64 `json:"unitsDecoded"`
	FramesRendered int64 `json:"framesRendered"`
	UnitsLost      int64 `json:"unitsLost"`

	KeyUnitRequestsSent     int64 `json:"keyUnitRequestsSent"`
	KeyUnitRequestsReceived int64 `json:"keyUnitRequestsReceived"`

	TargetBitrate int64         `json:"targetBitrate"`
	RTT           time.Duration `json:"rttNs"`
	LossPermille  int64         `json:"lossPermille"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		FramesCaptured:          s.framesCaptured.Load(),
		FramesDropped:           s.framesDropped.Load(),
		UnitsEncoded:            s.unitsEncoded.Load(),
		KeyUnits:                s.keyUnits.Load(),
		UnitsShed:               s.unitsShed.Load(),
		RecordsSent:             s.recordsSent.Load(),
		BytesSent:               s.bytesSent.Load(),
		RecordsReceived:         s.recordsReceived.Load(),
		BytesReceived:           s.bytesReceived.Load(),
		UnitsDecoded:            s.unitsDecoded.Load(),
		FramesRendered:          s.framesRendered.Load(),
		UnitsLost:               s.unitsLost.Load(),
		KeyUnitRequestsSent:     s.keyUnitRequestsSent.Load(),
		KeyUnitRequestsReceived: s.keyUnitRequestsReceived.Load(),
		TargetBitrate:           s.targetBitrate.Load(),
		RTT:                     time.Duration(s.rttNanos.Load()),
		LossPermille:            s.lossPermille.Load(),
	}
}
