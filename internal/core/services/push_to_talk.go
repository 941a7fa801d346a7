package services

import (
	"sync"
	"time"

	"twine/internal/core/domain"
	"twine/pkg/eventbus"

	"go.uber.org/zap"
)

// PushToTalk turns an external hold signal into mute changes while the
// communication mode is push-to-talk. Keyboard capture is not its concern.
type PushToTalk struct {
	apply  func(muted bool)
	logger *zap.SugaredLogger

	mu       sync.Mutex
	enabled  bool
	holding  bool
	override bool
	delay    time.Duration
	timer    *time.Timer
	// bumped on every press so a stale release timer does nothing
	generation uint64

	Holding  *eventbus.Value[bool]
	Enabled  *eventbus.Value[bool]
	Override *eventbus.Value[bool]
}

// NewPushToTalk calls apply with the desired mute state whenever it changes.
func NewPushToTalk(apply func(muted bool), logger *zap.SugaredLogger) *PushToTalk {
	return &PushToTalk{
		apply:    apply,
		logger:   logger,
		delay:    domain.DefaultReleaseDelay * time.Millisecond,
		Holding:  eventbus.NewValue(false),
		Enabled:  eventbus.NewValue(false),
		Override: eventbus.NewValue(false),
	}
}

// Configure applies communication settings. Entering push-to-talk mutes.
func (p *PushToTalk) Configure(s domain.CommunicationSettings) {
	s = s.Normalize()
	enable := s.Mode == domain.CommunicationModePushToTalk

	p.mu.Lock()
	p.delay = time.Duration(s.ReleaseDelayMs) * time.Millisecond
	was := p.enabled
	p.enabled = enable
	p.override = false
	if was && !enable {
		p.releaseLocked()
	}
	p.mu.Unlock()

	p.Enabled.Set(enable)
	p.Override.Set(false)
	if was && !enable {
		p.Holding.Set(false)
	}
	if enable && !was {
		p.logger.Infow("Push-to-talk enabled", "release_delay_ms", s.ReleaseDelayMs)
		p.apply(true)
	}
}

// SetHolding reports the external trigger state. Ignored unless enabled.
func (p *PushToTalk) SetHolding(active bool) {
	p.mu.Lock()
	if !p.enabled || p.override {
		p.mu.Unlock()
		return
	}
	if active {
		p.generation++
		p.stopTimerLocked()
		if p.holding {
			p.mu.Unlock()
			return
		}
		p.holding = true
		p.mu.Unlock()
		p.Holding.Set(true)
		p.apply(false)
		return
	}

	if !p.holding {
		p.mu.Unlock()
		return
	}
	p.holding = false
	delay := p.delay
	if delay <= 0 {
		p.mu.Unlock()
		p.Holding.Set(false)
		p.apply(true)
		return
	}
	gen := p.generation
	p.timer = time.AfterFunc(delay, func() { p.fire(gen) })
	p.mu.Unlock()
	p.Holding.Set(false)
}

func (p *PushToTalk) fire(gen uint64) {
	p.mu.Lock()
	stale := gen != p.generation || p.holding || !p.enabled || p.override
	p.timer = nil
	p.mu.Unlock()
	if !stale {
		p.apply(true)
	}
}

// SetOverride lets the user talk freely without leaving push-to-talk mode.
// Turning it off restores the state implied by the hold signal.
func (p *PushToTalk) SetOverride(on bool) {
	p.mu.Lock()
	if !p.enabled {
		p.mu.Unlock()
		return
	}
	p.override = on
	if on {
		p.releaseLocked()
	}
	holding := p.holding
	p.mu.Unlock()

	p.Override.Set(on)
	if on {
		p.Holding.Set(false)
		p.apply(false)
		return
	}
	p.apply(!holding)
}

func (p *PushToTalk) IsEnabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

func (p *PushToTalk) IsHolding() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.holding
}

// Close cancels a pending release.
func (p *PushToTalk) Close() {
	p.mu.Lock()
	p.releaseLocked()
	p.mu.Unlock()
}

func (p *PushToTalk) releaseLocked() {
	p.generation++
	p.stopTimerLocked()
	p.holding = false
}

func (p *PushToTalk) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
