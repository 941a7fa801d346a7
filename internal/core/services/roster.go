package services

import (
	"slices"
	"sync"

	"twine/internal/core/domain"
	"twine/pkg/eventbus"

	"go.uber.org/zap"
)

// PeerConnector opens a media connection to a newly learned socket.
type PeerConnector interface {
	TryConnect(peerID domain.PeerID, userID domain.UserID, displayName string)
}

// PeerRemover tears down the connection for a socket.
type PeerRemover interface {
	Remove(peerID domain.PeerID) bool
}

// RosterSynchronizer merges the room channel's participant list with the
// media channel's socket ids. Records are keyed by user id.
type RosterSynchronizer struct {
	connector PeerConnector
	remover   PeerRemover
	logger    *zap.SugaredLogger

	mu      sync.RWMutex
	records map[domain.UserID]*domain.ParticipantRecord
	order   []domain.UserID
	local   domain.UserID

	Events *eventbus.Subject[domain.RosterEvent]
}

func NewRosterSynchronizer(connector PeerConnector, remover PeerRemover, logger *zap.SugaredLogger) *RosterSynchronizer {
	return &RosterSynchronizer{
		connector: connector,
		remover:   remover,
		logger:    logger,
		records:   make(map[domain.UserID]*domain.ParticipantRecord),
		Events:    eventbus.New[domain.RosterEvent](),
	}
}

// SetLocalUser marks the user whose socket must never be dialed.
func (s *RosterSynchronizer) SetLocalUser(userID domain.UserID) {
	s.mu.Lock()
	s.local = userID
	s.mu.Unlock()
}

// HandleRoomJoined replaces the roster, keeping socket ids already learned
// from the media channel.
func (s *RosterSynchronizer) HandleRoomJoined(participants []domain.WireParticipant) {
	s.mu.Lock()
	records := make(map[domain.UserID]*domain.ParticipantRecord, len(participants))
	order := make([]domain.UserID, 0, len(participants))
	for _, wp := range participants {
		rec := wp.Record()
		if rec.UserID == "" {
			continue
		}
		if existing, ok := s.records[rec.UserID]; ok && existing.WebRTCSocketID != "" {
			rec.WebRTCSocketID = existing.WebRTCSocketID
		}
		if _, dup := records[rec.UserID]; !dup {
			order = append(order, rec.UserID)
		}
		records[rec.UserID] = &rec
	}
	var vanished []domain.PeerID
	for id, rec := range s.records {
		if _, kept := records[id]; !kept && rec.WebRTCSocketID != "" && id != s.local {
			vanished = append(vanished, rec.WebRTCSocketID)
		}
	}
	s.records = records
	s.order = order
	roster := s.snapshotLocked()
	s.mu.Unlock()

	for _, peerID := range vanished {
		s.remover.Remove(peerID)
	}
	s.logger.Infow("Roster replaced", "participants", len(roster), "removed_peers", len(vanished))
	s.Events.Publish(domain.RosterEvent{Type: domain.RosterReset, Roster: roster})
}

// HandleUserJoined upserts a participant. A missing socket id keeps the known one.
func (s *RosterSynchronizer) HandleUserJoined(p domain.WireParticipant) {
	rec := p.Record()
	if rec.UserID == "" {
		s.logger.Warnw("Participant without user id ignored")
		return
	}

	s.mu.Lock()
	existing, ok := s.records[rec.UserID]
	var previous domain.PeerID
	if ok {
		previous = existing.WebRTCSocketID
		if rec.WebRTCSocketID == "" {
			rec.WebRTCSocketID = previous
		}
		*existing = rec
	} else {
		s.records[rec.UserID] = &rec
		s.order = append(s.order, rec.UserID)
	}
	s.mu.Unlock()

	if previous != "" && previous != rec.WebRTCSocketID {
		s.remover.Remove(previous)
	}

	typ := domain.RosterJoined
	if ok {
		typ = domain.RosterUpdated
	}
	s.Events.Publish(domain.RosterEvent{Type: typ, Participant: rec})
}

// HandleUserUpdated patches the display fields of a known participant.
func (s *RosterSynchronizer) HandleUserUpdated(p domain.WireParticipant) {
	rec := p.Record()

	s.mu.Lock()
	existing, ok := s.records[rec.UserID]
	if !ok {
		s.mu.Unlock()
		s.logger.Debugw("Update for unknown participant", "user_id", rec.UserID)
		return
	}
	if rec.DisplayName != "" {
		existing.DisplayName = rec.DisplayName
	}
	if rec.AvatarURL != "" {
		existing.AvatarURL = rec.AvatarURL
	}
	if rec.DecorationURL != "" {
		existing.DecorationURL = rec.DecorationURL
	}
	updated := *existing
	s.mu.Unlock()

	s.Events.Publish(domain.RosterEvent{Type: domain.RosterUpdated, Participant: updated})
}

// HandleUserLeft removes the participant and its media connection.
func (s *RosterSynchronizer) HandleUserLeft(userID domain.UserID) {
	s.mu.Lock()
	existing, ok := s.records[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	removed := *existing
	delete(s.records, userID)
	s.order = slices.DeleteFunc(s.order, func(id domain.UserID) bool { return id == userID })
	s.mu.Unlock()

	if removed.WebRTCSocketID != "" {
		s.remover.Remove(removed.WebRTCSocketID)
	}
	s.logger.Infow("Participant left", "user_id", userID, "peer_id", removed.WebRTCSocketID)
	s.Events.Publish(domain.RosterEvent{Type: domain.RosterLeft, Participant: removed})
}

// HandleWebRTCParticipantJoined records the media socket of a participant and
// dials it. Dialing is idempotent.
func (s *RosterSynchronizer) HandleWebRTCParticipantJoined(p domain.WebRTCParticipantPayload) {
	if p.SocketID == "" || p.UserID == "" {
		s.logger.Warnw("Media participant without ids ignored", "peer_id", p.SocketID, "user_id", p.UserID)
		return
	}

	updated, typ, isLocal := s.upsertSocket(p)
	s.Events.Publish(domain.RosterEvent{Type: typ, Participant: updated})

	if !isLocal {
		s.connector.TryConnect(p.SocketID, p.UserID, updated.Name())
	}
}

// HandleRemoteOffer records the media socket of a participant that dialed us
// before its media join was announced. It never dials back.
func (s *RosterSynchronizer) HandleRemoteOffer(p domain.WebRTCParticipantPayload) {
	if p.SocketID == "" || p.UserID == "" {
		return
	}

	s.mu.RLock()
	rec, ok := s.records[p.UserID]
	known := ok && rec.WebRTCSocketID == p.SocketID
	isLocal := p.UserID == s.local
	s.mu.RUnlock()
	if known || isLocal {
		return
	}

	updated, typ, _ := s.upsertSocket(p)
	s.logger.Debugw("Media socket learned from offer", "user_id", p.UserID, "peer_id", p.SocketID)
	s.Events.Publish(domain.RosterEvent{Type: typ, Participant: updated})
}

// upsertSocket sets the participant's media socket and tears down the
// connection of a replaced socket.
func (s *RosterSynchronizer) upsertSocket(p domain.WebRTCParticipantPayload) (domain.ParticipantRecord, domain.RosterEventType, bool) {
	s.mu.Lock()
	rec, ok := s.records[p.UserID]
	if !ok {
		rec = &domain.ParticipantRecord{UserID: p.UserID}
		s.records[p.UserID] = rec
		s.order = append(s.order, p.UserID)
	}
	previous := rec.WebRTCSocketID
	rec.WebRTCSocketID = p.SocketID
	if p.Username != "" {
		rec.Username = p.Username
	}
	if p.DisplayName != "" {
		rec.DisplayName = p.DisplayName
	}
	if p.AvatarURL != "" {
		rec.AvatarURL = p.AvatarURL
	}
	if p.DecorationURL != "" {
		rec.DecorationURL = p.DecorationURL
	}
	updated := *rec
	isLocal := p.UserID == s.local
	s.mu.Unlock()

	// the user reconnected on a new socket; the old leg is dead
	if previous != "" && previous != p.SocketID {
		s.remover.Remove(previous)
	}

	typ := domain.RosterUpdated
	if !ok {
		typ = domain.RosterJoined
	}
	return updated, typ, isLocal
}

// HandleWebRTCParticipantLeft clears the media socket and tears down its
// connection. The roster entry stays.
func (s *RosterSynchronizer) HandleWebRTCParticipantLeft(p domain.WebRTCParticipantPayload) {
	s.mu.Lock()
	var updated *domain.ParticipantRecord
	for _, rec := range s.records {
		if rec.WebRTCSocketID == p.SocketID && p.SocketID != "" {
			rec.WebRTCSocketID = ""
			cp := *rec
			updated = &cp
			break
		}
	}
	if updated == nil && p.UserID != "" {
		if rec, ok := s.records[p.UserID]; ok && rec.WebRTCSocketID == p.SocketID {
			rec.WebRTCSocketID = ""
			cp := *rec
			updated = &cp
		}
	}
	s.mu.Unlock()

	if p.SocketID != "" {
		s.remover.Remove(p.SocketID)
	}
	if updated != nil {
		s.Events.Publish(domain.RosterEvent{Type: domain.RosterUpdated, Participant: *updated})
	}
}

// HandleInitialWebRTCParticipants applies the participant list returned when
// joining the media channel.
func (s *RosterSynchronizer) HandleInitialWebRTCParticipants(participants []domain.WebRTCParticipantPayload) {
	for _, p := range participants {
		s.HandleWebRTCParticipantJoined(p)
	}
}

// MarkLocalWebRTC records the local user's own media socket.
func (s *RosterSynchronizer) MarkLocalWebRTC(userID domain.UserID, socketID domain.PeerID) {
	s.mu.Lock()
	s.local = userID
	rec, ok := s.records[userID]
	if !ok {
		rec = &domain.ParticipantRecord{UserID: userID}
		s.records[userID] = rec
		s.order = append(s.order, userID)
	}
	rec.WebRTCSocketID = socketID
	s.mu.Unlock()
}

// Participants returns the roster in join order.
func (s *RosterSynchronizer) Participants() []domain.ParticipantRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *RosterSynchronizer) snapshotLocked() []domain.ParticipantRecord {
	out := make([]domain.ParticipantRecord, 0, len(s.order))
	for _, id := range s.order {
		if rec, ok := s.records[id]; ok {
			out = append(out, *rec)
		}
	}
	return out
}

func (s *RosterSynchronizer) Get(userID domain.UserID) (domain.ParticipantRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[userID]
	if !ok {
		return domain.ParticipantRecord{}, false
	}
	return *rec, true
}

func (s *RosterSynchronizer) FindBySocket(socketID domain.PeerID) (domain.ParticipantRecord, bool) {
	if socketID == "" {
		return domain.ParticipantRecord{}, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.WebRTCSocketID == socketID {
			return *rec, true
		}
	}
	return domain.ParticipantRecord{}, false
}

// Reset drops every record.
func (s *RosterSynchronizer) Reset() {
	s.mu.Lock()
	s.records = make(map[domain.UserID]*domain.ParticipantRecord)
	s.order = nil
	s.local = ""
	s.mu.Unlock()
	s.Events.Publish(domain.RosterEvent{Type: domain.RosterReset})
}
