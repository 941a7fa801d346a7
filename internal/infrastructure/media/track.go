package media

import (
	"errors"
	"io"
	"sync"
	"time"

	"twine/internal/core/domain"
	"twine/internal/core/ports"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"
)

// SampleTrack is a capture track that feeds samples from a source into a
// pion local track. Disabled audio tracks send silence; disabled video
// tracks send nothing.
type SampleTrack struct {
	id     string
	kind   domain.TrackKind
	label  string
	local  *webrtc.TrackLocalStaticSample
	logger *zap.SugaredLogger

	open openFunc
	loop bool

	mu          sync.Mutex
	enabled     bool
	ended       bool
	sourceEnded bool
	native      domain.TrackSettings
	settings    domain.TrackSettings
	onEnded     []func()

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type trackOptions struct {
	id       string
	kind     domain.TrackKind
	label    string
	streamID string
	codec    webrtc.RTPCodecCapability
	settings domain.TrackSettings
	// open is nil for tracks that never produce samples.
	open openFunc
	loop bool
}

func newSampleTrack(opts trackOptions, logger *zap.SugaredLogger) (*SampleTrack, error) {
	local, err := webrtc.NewTrackLocalStaticSample(opts.codec, opts.id, opts.streamID)
	if err != nil {
		return nil, err
	}
	return &SampleTrack{
		id:       opts.id,
		kind:     opts.kind,
		label:    opts.label,
		local:    local,
		logger:   logger,
		open:     opts.open,
		loop:     opts.loop,
		enabled:  true,
		native:   opts.settings,
		settings: opts.settings,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// start begins pumping samples from an already opened source.
func (t *SampleTrack) start(source sampleSource) {
	if source == nil {
		close(t.done)
		return
	}
	go t.pump(source)
}

func (t *SampleTrack) ID() string                    { return t.id }
func (t *SampleTrack) Kind() domain.TrackKind        { return t.kind }
func (t *SampleTrack) Label() string                 { return t.label }
func (t *SampleTrack) TrackLocal() webrtc.TrackLocal { return t.local }

func (t *SampleTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *SampleTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

func (t *SampleTrack) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		t.ended = true
		t.mu.Unlock()
		close(t.stop)
	})
}

func (t *SampleTrack) Ended() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ended
}

func (t *SampleTrack) Settings() domain.TrackSettings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settings
}

// ApplyConstraints narrows the native format to the given maximums. Ideal
// values above the native format are ignored.
func (t *SampleTrack) ApplyConstraints(c domain.VideoConstraints) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.settings
	s.Width = narrow(t.native.Width, c.Width.Ideal, c.Width.Max)
	s.Height = narrow(t.native.Height, c.Height.Ideal, c.Height.Max)
	if c.FrameRate.Ideal > 0 {
		s.FrameRate = c.FrameRate.Ideal
	}
	if c.FrameRate.Max > 0 && s.FrameRate > c.FrameRate.Max {
		s.FrameRate = c.FrameRate.Max
	}
	if s.Height > 0 {
		s.AspectRatio = float64(s.Width) / float64(s.Height)
	}
	t.settings = s
	return nil
}

func narrow(native, ideal, limit int) int {
	v := native
	if ideal > 0 && ideal < v {
		v = ideal
	}
	if limit > 0 && v > limit {
		v = limit
	}
	return v
}

func (t *SampleTrack) SetContentHint(hint domain.ContentHint) {
	t.mu.Lock()
	t.settings.ContentHint = hint
	t.mu.Unlock()
}

// OnEnded registers fn for when the source runs out. A hook registered after
// that already happened runs right away.
func (t *SampleTrack) OnEnded(fn func()) {
	t.mu.Lock()
	if t.sourceEnded {
		t.mu.Unlock()
		go fn()
		return
	}
	t.onEnded = append(t.onEnded, fn)
	t.mu.Unlock()
}

// Done is closed once the sample pump has exited.
func (t *SampleTrack) Done() <-chan struct{} {
	return t.done
}

func (t *SampleTrack) pump(source sampleSource) {
	defer close(t.done)
	defer func() { source.Close() }()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-timer.C:
		}

		sample, err := source.NextSample()
		if errors.Is(err, io.EOF) && t.loop && t.open != nil {
			source.Close()
			if source, err = t.open(); err == nil {
				sample, err = source.NextSample()
			} else {
				source = silenceSource{}
			}
		}
		if err != nil {
			t.end(err)
			return
		}

		t.write(sample)
		timer.Reset(sample.Duration)
	}
}

func (t *SampleTrack) write(sample pionmedia.Sample) {
	if !t.Enabled() {
		if t.kind != domain.TrackKindAudio {
			return
		}
		sample.Data = opusSilence
	}
	if err := t.local.WriteSample(sample); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		t.logger.Debugw("Failed to write sample", "track_id", t.id, "error", err)
	}
}

// end marks the track ended by its source and fires the ended hooks once.
// Hooks do not fire when Stop came first.
func (t *SampleTrack) end(err error) {
	t.mu.Lock()
	if t.ended {
		t.mu.Unlock()
		return
	}
	t.ended = true
	t.sourceEnded = true
	hooks := t.onEnded
	t.onEnded = nil
	t.mu.Unlock()

	if !errors.Is(err, io.EOF) {
		t.logger.Warnw("Capture source failed", "track_id", t.id, "error", err)
	}
	t.logger.Infow("Capture source ended", "track_id", t.id, "kind", t.kind)
	for _, fn := range hooks {
		fn()
	}
}

// Stream groups the tracks of one capture.
type Stream struct {
	id     string
	tracks []*SampleTrack
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Tracks() []ports.MediaTrack {
	return s.filter("")
}

func (s *Stream) AudioTracks() []ports.MediaTrack {
	return s.filter(domain.TrackKindAudio)
}

func (s *Stream) VideoTracks() []ports.MediaTrack {
	return s.filter(domain.TrackKindVideo)
}

func (s *Stream) filter(kind domain.TrackKind) []ports.MediaTrack {
	out := make([]ports.MediaTrack, 0, len(s.tracks))
	for _, t := range s.tracks {
		if kind == "" || t.kind == kind {
			out = append(out, t)
		}
	}
	return out
}
