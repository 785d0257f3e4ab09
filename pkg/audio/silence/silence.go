// Package silence ends a recording after a sustained quiet interval.
//
// A [Detector] samples the level of a live capture at a fixed interval. The
// first quiet sample opens a [Window] and arms a timer; any sample at or above
// the threshold closes the window and disarms the timer. If the timer runs out
// the detector calls its timeout handler once and stops sampling.
package silence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Config tunes a [Detector].
type Config struct {
	// Threshold is the normalized RMS level in [0,1] below which a sample
	// counts as quiet.
	Threshold float64

	// Duration is how long audio must stay quiet before the timeout fires.
	Duration time.Duration

	// SampleInterval is the time between level samples.
	SampleInterval time.Duration
}

// DefaultConfig returns a 0.01 threshold, 1.5s duration, sampled every 50ms.
func DefaultConfig() Config {
	return Config{
		Threshold:      0.01,
		Duration:       1500 * time.Millisecond,
		SampleInterval: 50 * time.Millisecond,
	}
}

// withDefaults fills zero fields from [DefaultConfig].
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Duration <= 0 {
		c.Duration = d.Duration
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = d.SampleInterval
	}
	return c
}

// LevelSource is a live capture the detector can sample.
type LevelSource interface {
	// Level returns the current normalized RMS level.
	Level() float64

	// Done is closed when the capture ends.
	Done() <-chan struct{}
}

// Window is the candidate silence interval. StartedAt is zero when the
// window is not active.
type Window struct {
	Active    bool
	StartedAt time.Time
}

// Detector watches one capture. Create a new Detector per recording.
type Detector struct {
	cfg Config

	mu       sync.Mutex
	window   Window
	timer    *time.Timer
	gen      uint64
	fired    bool
	finished bool
	stop     chan struct{}
}

// New returns a detector with cfg. Zero fields take their defaults.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults(), stop: make(chan struct{})}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// Window returns a snapshot of the current silence window.
func (d *Detector) Window() Window {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.window
}

// Run samples src until ctx ends, src.Done is closed, or the silence timeout
// fires. onTimeout is called at most once, from the timer goroutine. Once Run
// has returned because of ctx or src, no pending timer fires.
func (d *Detector) Run(ctx context.Context, src LevelSource, onTimeout func()) {
	tick := time.NewTicker(d.cfg.SampleInterval)
	defer tick.Stop()
	defer d.finish()

	for {
		select {
		case <-ctx.Done():
			return
		case <-src.Done():
			return
		case <-d.stop:
			return
		case <-tick.C:
			d.Observe(src.Level(), onTimeout)
		}
	}
}

// Observe feeds one level sample. Run calls it on every tick; it is exported
// so that callers with their own sampling loop can drive the detector.
func (d *Detector) Observe(level float64, onTimeout func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finished || d.fired {
		return
	}

	if level >= d.cfg.Threshold {
		if d.window.Active {
			d.disarm()
		}
		return
	}
	if d.window.Active {
		return
	}

	d.window = Window{Active: true, StartedAt: time.Now()}
	gen := d.gen
	d.timer = time.AfterFunc(d.cfg.Duration, func() { d.expire(gen, onTimeout) })
}

// disarm closes the window and invalidates its timer. Callers hold d.mu.
func (d *Detector) disarm() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.window = Window{}
}

func (d *Detector) expire(gen uint64, onTimeout func()) {
	d.mu.Lock()
	if d.finished || d.fired || gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.fired = true
	quiet := time.Since(d.window.StartedAt)
	d.disarm()
	close(d.stop)
	d.mu.Unlock()

	slog.Debug("silence timeout", "quiet_for", quiet, "threshold", d.cfg.Threshold)
	if onTimeout != nil {
		onTimeout()
	}
}

// finish stops the detector and cancels any pending timer. It leaves no
// state behind.
func (d *Detector) finish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.finished {
		return
	}
	d.finished = true
	d.disarm()
}

// Fired reports whether the timeout has fired.
func (d *Detector) Fired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}
