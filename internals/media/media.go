package media

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/voxmesh/voxmesh/internals/config"
	"go.uber.org/zap"
)

// ErrPermissionDenied reports a capture device the platform refused to open.
var ErrPermissionDenied = errors.New("media permission denied")

// Source supplies encoded samples for one outgoing track. Implementations
// wrap platform capture; tests inject fakes.
type Source interface {
	NextSample() (media.Sample, error)
	Close() error
}

// LevelSource is an audio Source that also exposes its current input level
// in [0, 1]. Speaking detection needs it; sources without it simply disable
// detection.
type LevelSource interface {
	Source
	AudioLevel() float64
}

// Device opens capture sources. A failed open is reported per source, so a
// participant without a camera still joins with audio only.
type Device interface {
	OpenAudio() (Source, error)
	OpenVideo() (Source, error)
	OpenScreen() (Source, error)
}

// TrackReplacer swaps the outgoing video track across live connections.
type TrackReplacer interface {
	ReplaceVideoTrack(track webrtc.TrackLocal) error
}

// LocalTrack pairs a sample track with an enable gate. Disabling drops
// samples on the floor without touching the transceiver, so mute and unmute
// never renegotiate.
type LocalTrack struct {
	track   *webrtc.TrackLocalStaticSample
	source  Source
	enabled atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
	logger    *zap.Logger
}

func newLocalTrack(track *webrtc.TrackLocalStaticSample, source Source, logger *zap.Logger) *LocalTrack {
	lt := &LocalTrack{
		track:  track,
		source: source,
		done:   make(chan struct{}),
		logger: logger,
	}
	lt.enabled.Store(true)
	go lt.pump()
	return lt
}

func (t *LocalTrack) Track() *webrtc.TrackLocalStaticSample { return t.track }
func (t *LocalTrack) Enabled() bool                         { return t.enabled.Load() }
func (t *LocalTrack) SetEnabled(enabled bool)               { t.enabled.Store(enabled) }

func (t *LocalTrack) pump() {
	for {
		select {
		case <-t.done:
			return
		default:
		}

		sample, err := t.source.NextSample()
		if err != nil {
			if err != io.EOF {
				t.logger.Debug("Sample source ended", zap.Error(err))
			}
			return
		}

		if !t.enabled.Load() {
			continue
		}

		if err := t.track.WriteSample(sample); err != nil {
			t.logger.Debug("Failed to write sample", zap.Error(err))
		}
	}
}

func (t *LocalTrack) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.source.Close()
	})
}

// Controller owns local capture and the outgoing tracks shared by every mesh
// connection. It pushes flag changes out through OnStateChange so the caller
// can broadcast them; it never talks to the relay itself.
type Controller struct {
	cfg    config.MediaConfig
	device Device
	logger *zap.Logger

	mu       sync.Mutex
	audio    *LocalTrack
	camera   *LocalTrack
	screen   *LocalTrack
	replacer TrackReplacer
	detector *SpeakingDetector
	closed   bool

	// OnStateChange fires after any flag flip with the new flag set.
	OnStateChange func(audioEnabled, videoEnabled, screenSharing bool)
}

func NewController(cfg config.MediaConfig, device Device, logger *zap.Logger) *Controller {
	return &Controller{
		cfg:    cfg,
		device: device,
		logger: logger,
	}
}

// Start opens capture and builds the outgoing tracks. A source that fails to
// open is skipped with a warning; joining with no media at all is valid.
// Returns ErrPermissionDenied (wrapped) only when every source was refused.
func (c *Controller) Start(replacer TrackReplacer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.replacer = replacer

	audioSource, audioErr := c.device.OpenAudio()
	if audioErr != nil {
		c.logger.Warn("Audio capture unavailable", zap.Error(audioErr))
	} else {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio", "voxmesh-audio",
		)
		if err != nil {
			audioSource.Close()
			return fmt.Errorf("create audio track: %w", err)
		}
		c.audio = newLocalTrack(track, audioSource, c.logger)

		if level, ok := audioSource.(LevelSource); ok {
			c.detector = NewSpeakingDetector(c.cfg, level.AudioLevel)
		}
	}

	videoSource, videoErr := c.device.OpenVideo()
	if videoErr != nil {
		c.logger.Warn("Video capture unavailable", zap.Error(videoErr))
	} else {
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", "voxmesh-video",
		)
		if err != nil {
			videoSource.Close()
			return fmt.Errorf("create video track: %w", err)
		}
		c.camera = newLocalTrack(track, videoSource, c.logger)
	}

	if audioErr != nil && videoErr != nil {
		return fmt.Errorf("no capture available: %w", ErrPermissionDenied)
	}
	return nil
}

// Detector returns the speaking detector, nil when audio capture has no
// level meter.
func (c *Controller) Detector() *SpeakingDetector {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.detector
}

// Tracks returns the tracks every new connection should carry: audio plus
// whichever video source is active (screen wins over camera).
func (c *Controller) Tracks() []webrtc.TrackLocal {
	c.mu.Lock()
	defer c.mu.Unlock()

	tracks := make([]webrtc.TrackLocal, 0, 2)
	if c.audio != nil {
		tracks = append(tracks, c.audio.Track())
	}
	if c.screen != nil {
		tracks = append(tracks, c.screen.Track())
	} else if c.camera != nil {
		tracks = append(tracks, c.camera.Track())
	}
	return tracks
}

// ToggleAudio flips the microphone gate and returns the new enabled state.
// Purely local: no renegotiation, no track removal.
func (c *Controller) ToggleAudio() bool {
	c.mu.Lock()
	enabled := false
	if c.audio != nil {
		enabled = !c.audio.Enabled()
		c.audio.SetEnabled(enabled)
	}
	c.mu.Unlock()

	c.notifyStateChange()
	return enabled
}

// ToggleVideo flips the camera gate and returns the new enabled state.
func (c *Controller) ToggleVideo() bool {
	c.mu.Lock()
	enabled := false
	if c.camera != nil {
		enabled = !c.camera.Enabled()
		c.camera.SetEnabled(enabled)
	}
	c.mu.Unlock()

	c.notifyStateChange()
	return enabled
}

// StartScreenShare swaps the outgoing video to a screen capture track. The
// swap replaces the track on every live connection, costing exactly one
// renegotiation cycle per connection. Idempotent while already sharing.
func (c *Controller) StartScreenShare() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("media controller closed")
	}
	if c.screen != nil {
		c.mu.Unlock()
		return nil
	}

	source, err := c.device.OpenScreen()
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("open screen capture: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "voxmesh-screen",
	)
	if err != nil {
		source.Close()
		c.mu.Unlock()
		return fmt.Errorf("create screen track: %w", err)
	}

	c.screen = newLocalTrack(track, source, c.logger)
	replacer := c.replacer
	c.mu.Unlock()

	if replacer != nil {
		if err := replacer.ReplaceVideoTrack(track); err != nil {
			c.mu.Lock()
			c.screen.Close()
			c.screen = nil
			c.mu.Unlock()
			return fmt.Errorf("switch to screen track: %w", err)
		}
	}

	c.logger.Info("Screen share started")
	c.notifyStateChange()
	return nil
}

// StopScreenShare restores the camera track. Idempotent while not sharing.
func (c *Controller) StopScreenShare() error {
	c.mu.Lock()
	if c.screen == nil {
		c.mu.Unlock()
		return nil
	}
	screen := c.screen
	c.screen = nil
	camera := c.camera
	replacer := c.replacer
	c.mu.Unlock()

	screen.Close()

	if replacer != nil && camera != nil {
		if err := replacer.ReplaceVideoTrack(camera.Track()); err != nil {
			return fmt.Errorf("restore camera track: %w", err)
		}
	}

	c.logger.Info("Screen share stopped")
	c.notifyStateChange()
	return nil
}

func (c *Controller) AudioEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio != nil && c.audio.Enabled()
}

func (c *Controller) VideoEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.camera != nil && c.camera.Enabled()
}

func (c *Controller) ScreenSharing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.screen != nil
}

// State returns the current flag set in one call.
func (c *Controller) State() (audioEnabled, videoEnabled, screenSharing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.audio != nil && c.audio.Enabled(),
		c.camera != nil && c.camera.Enabled(),
		c.screen != nil
}

func (c *Controller) notifyStateChange() {
	if c.OnStateChange == nil {
		return
	}
	audio, video, screen := c.State()
	c.OnStateChange(audio, video, screen)
}

// Close stops capture and every pump. Idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	audio, camera, screen := c.audio, c.camera, c.screen
	detector := c.detector
	c.audio, c.camera, c.screen = nil, nil, nil
	c.mu.Unlock()

	if detector != nil {
		detector.Stop()
	}
	if audio != nil {
		audio.Close()
	}
	if camera != nil {
		camera.Close()
	}
	if screen != nil {
		screen.Close()
	}
}
