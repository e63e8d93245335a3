package pipeline

import "time"

// BitrateConfig bounds the adaptive bitrate controller.
type BitrateConfig struct {
	// Min and Max bound the target bitrate in bits per second. Start is
	// the initial target.
	Min, Max, Start int64

	// IncreaseStep is added to the target after IncreaseAfter consecutive
	// clean observation windows.
	IncreaseStep  int64
	IncreaseAfter int

	// DecreaseFactor multiplies the target after DecreaseAfter
	// consecutive lossy windows. Must be in (0, 1).
	DecreaseFactor float64
	DecreaseAfter  int

	// LossThreshold is the per-window loss fraction above which a window
	// counts as lossy.
	LossThreshold float64

	// RTTGrowth marks a window lossy when its RTT exceeds the minimum
	// observed RTT by this factor, catching queue buildup before packets
	// are actually lost.
	RTTGrowth float64
}

// DefaultBitrateConfig returns conservative bounds for a camera stream.
func DefaultBitrateConfig() BitrateConfig {
	return BitrateConfig{
		Min:            100_000,
		Max:            8_000_000,
		Start:          1_000_000,
		IncreaseStep:   100_000,
		IncreaseAfter:  3,
		DecreaseFactor: 0.7,
		DecreaseAfter:  2,
		LossThreshold:  0.02,
		RTTGrowth:      2.0,
	}
}

// bitrateController implements additive-increase/multiplicative-decrease
// rate control over per-window loss and RTT observations. Not safe for
// concurrent use; the controller's feedback goroutine owns it.
type bitrateController struct {
	cfg    BitrateConfig
	target int64

	cleanWindows int
	lossyWindows int
	inDegraded   bool
	minRTT       time.Duration
}

func newBitrateController(cfg BitrateConfig) *bitrateController {
	target := cfg.Start
	if target < cfg.Min {
		target = cfg.Min
	}
	if target > cfg.Max {
		target = cfg.Max
	}
	return &bitrateController{cfg: cfg, target: target}
}

func (c *bitrateController) Target() int64 { return c.target }

// observe folds one observation window into the controller. lossRate is
// the fraction of units lost in the window; rtt is the window's RTT
// estimate (zero when unknown). It returns the new target and whether it
// changed.
func (c *bitrateController) observe(lossRate float64, rtt time.Duration) (int64, bool) {
	if rtt > 0 && (c.minRTT == 0 || rtt < c.minRTT) {
		c.minRTT = rtt
	}

	lossy := lossRate > c.cfg.LossThreshold
	if !lossy && rtt > 0 && c.minRTT > 0 && c.cfg.RTTGrowth > 1 {
		if float64(rtt) > float64(c.minRTT)*c.cfg.RTTGrowth {
			lossy = true
		}
	}

	if lossy {
		c.cleanWindows = 0
		c.inDegraded = true
		c.lossyWindows++
		if c.lossyWindows >= c.cfg.DecreaseAfter {
			c.lossyWindows = 0
			next := int64(float64(c.target) * c.cfg.DecreaseFactor)
			if next < c.cfg.Min {
				next = c.cfg.Min
			}
			if next != c.target {
				c.target = next
				return c.target, true
			}
		}
		return c.target, false
	}

	c.lossyWindows = 0
	c.cleanWindows++
	if c.cleanWindows >= c.cfg.IncreaseAfter {
		c.cleanWindows = 0
		c.inDegraded = false
		next := c.target + c.cfg.IncreaseStep
		if next > c.cfg.Max {
			next = c.cfg.Max
		}
		if next != c.target {
			c.target = next
			return c.target, true
		}
	}
	return c.target, false
}

// degraded reports whether the controller is backing off. It flips true
// on the first lossy window and clears only after a full run of clean
// windows, driving the Streaming/Degraded state transition.
func (c *bitrateController) degraded() bool {
	return c.inDegraded
}
