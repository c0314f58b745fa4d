package media

import (
	"sync"
	"time"

	"github.com/voxmesh/voxmesh/internals/config"
)

// SpeakingDetector turns a stream of audio level samples into a boolean
// speaking flag with hysteresis and debouncing. Rising and falling thresholds
// differ so a level hovering near one boundary does not flap, and a flip is
// only committed after the level holds past the threshold for a debounce
// count of consecutive samples.
type SpeakingDetector struct {
	level    func() float64
	rise     float64
	fall     float64
	debounce int
	interval time.Duration

	mu       sync.Mutex
	speaking bool
	streak   int

	// OnChange fires on each committed flip with the new flag.
	OnChange func(speaking bool)

	done     chan struct{}
	stopOnce sync.Once
}

func NewSpeakingDetector(cfg config.MediaConfig, level func() float64) *SpeakingDetector {
	debounce := cfg.SpeakingDebounceSamples
	if debounce < 1 {
		debounce = 1
	}
	interval := cfg.SpeakingSampleInterval
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &SpeakingDetector{
		level:    level,
		rise:     cfg.SpeakingRiseThreshold,
		fall:     cfg.SpeakingFallThreshold,
		debounce: debounce,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Run samples the level on the configured interval until Stop.
func (d *SpeakingDetector) Run() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ticker.C:
			d.Observe(d.level())
		}
	}
}

// Observe feeds one level sample through the hysteresis state machine.
func (d *SpeakingDetector) Observe(level float64) {
	d.mu.Lock()

	crossed := false
	if d.speaking {
		crossed = level <= d.fall
	} else {
		crossed = level >= d.rise
	}

	if !crossed {
		d.streak = 0
		d.mu.Unlock()
		return
	}

	d.streak++
	if d.streak < d.debounce {
		d.mu.Unlock()
		return
	}

	d.speaking = !d.speaking
	d.streak = 0
	speaking := d.speaking
	onChange := d.OnChange
	d.mu.Unlock()

	if onChange != nil {
		onChange(speaking)
	}
}

// Speaking reports the current committed flag.
func (d *SpeakingDetector) Speaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.speaking
}

// Stop halts the sampling loop. Idempotent.
func (d *SpeakingDetector) Stop() {
	d.stopOnce.Do(func() {
		close(d.done)
	})
}
