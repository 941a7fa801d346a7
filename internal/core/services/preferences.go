package services

import (
	"sync"

	"twine/internal/core/domain"
	"twine/internal/core/ports"
	"twine/pkg/eventbus"

	"go.uber.org/zap"
)

// Preferences is the typed view over device-local settings. Missing or corrupt
// entries fall back to defaults; write failures are logged and the in-memory
// value still changes.
type Preferences struct {
	store  ports.PreferenceStore
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	audio   domain.AudioSettings
	devices domain.SelectedDevices
	volumes map[domain.UserID]int

	Communication *eventbus.Value[domain.CommunicationSettings]
}

func NewPreferences(store ports.PreferenceStore, logger *zap.SugaredLogger) *Preferences {
	p := &Preferences{
		store:   store,
		logger:  logger,
		volumes: make(map[domain.UserID]int),
	}

	p.audio, _ = loadPreference(p, domain.AudioSettingsKey, domain.DefaultAudioSettings())
	p.devices, _ = loadPreference(p, domain.SelectedDevicesKey, domain.DefaultSelectedDevices())
	p.devices = p.devices.Normalize()

	comm, _ := loadPreference(p, domain.CommunicationSettingsKey, domain.DefaultCommunicationSettings())
	p.Communication = eventbus.NewValue(comm.Normalize())

	if raw, ok := loadPreference(p, domain.VolumePreferencesKey, map[string]float64{}); ok {
		for id, v := range raw {
			p.volumes[domain.UserID(id)] = domain.ClampVolume(v)
		}
	}

	return p
}

// loadPreference decodes key over a copy of def; any decode error yields def.
func loadPreference[T any](p *Preferences, key string, def T) (T, bool) {
	v := def
	ok, err := p.store.Load(key, &v)
	if err != nil {
		p.logger.Warnw("Failed to restore preference, using defaults", "key", key, "error", err)
		return def, false
	}
	return v, ok
}

func (p *Preferences) save(key string, value any) {
	if err := p.store.Save(key, value); err != nil {
		p.logger.Warnw("Failed to persist preference", "key", key, "error", err)
	}
}

func (p *Preferences) AudioSettings() domain.AudioSettings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.audio
}

func (p *Preferences) SetAudioSettings(s domain.AudioSettings) {
	p.mu.Lock()
	p.audio = s
	p.mu.Unlock()
	p.save(domain.AudioSettingsKey, s)
}

func (p *Preferences) SelectedDevices() domain.SelectedDevices {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.devices
}

func (p *Preferences) SetSelectedInput(deviceID string) {
	p.updateDevices(func(d *domain.SelectedDevices) { d.AudioInputID = deviceID })
}

func (p *Preferences) SetSelectedOutput(deviceID string) {
	p.updateDevices(func(d *domain.SelectedDevices) { d.AudioOutputID = deviceID })
}

func (p *Preferences) updateDevices(fn func(*domain.SelectedDevices)) {
	p.mu.Lock()
	fn(&p.devices)
	p.devices = p.devices.Normalize()
	devices := p.devices
	p.mu.Unlock()
	p.save(domain.SelectedDevicesKey, devices)
}

func (p *Preferences) CommunicationSettings() domain.CommunicationSettings {
	return p.Communication.Get()
}

// SetCommunicationSettings normalizes, persists and publishes s.
func (p *Preferences) SetCommunicationSettings(s domain.CommunicationSettings) domain.CommunicationSettings {
	s = s.Normalize()
	p.save(domain.CommunicationSettingsKey, s)
	p.Communication.Set(s)
	return s
}

// Volume returns the stored playback volume for a remote user, 0..100.
func (p *Preferences) Volume(userID domain.UserID) int {
	if userID == "" {
		return domain.DefaultVolume
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if v, ok := p.volumes[userID]; ok {
		return v
	}
	return domain.DefaultVolume
}

// SetVolume stores the clamped volume and returns it.
func (p *Preferences) SetVolume(userID domain.UserID, volume float64) int {
	normalized := domain.ClampVolume(volume)
	if userID == "" {
		return domain.DefaultVolume
	}

	p.mu.Lock()
	if current, ok := p.volumes[userID]; ok && current == normalized {
		p.mu.Unlock()
		return normalized
	}
	p.volumes[userID] = normalized
	snapshot := make(map[string]int, len(p.volumes))
	for id, v := range p.volumes {
		snapshot[string(id)] = v
	}
	p.mu.Unlock()

	p.save(domain.VolumePreferencesKey, snapshot)
	return normalized
}

func (p *Preferences) Volumes() map[domain.UserID]int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[domain.UserID]int, len(p.volumes))
	for id, v := range p.volumes {
		out[id] = v
	}
	return out
}
