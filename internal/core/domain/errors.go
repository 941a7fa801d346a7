package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPeerNotFound          = errors.New("peer not found")
	ErrPeerClosed            = errors.New("peer connection closed")
	ErrSignalingTimeout      = errors.New("signaling connection timeout")
	ErrSignalingNotConnected = errors.New("signaling channel not connected")
	ErrScreenSourceRequired  = errors.New("screen source id is required on desktop")
	ErrNoScreenTrack         = errors.New("screen capture returned no video track")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrDeviceNotFound        = errors.New("device not found")
	ErrNotInRoom             = errors.New("not in a room")
	ErrAlreadyInRoom         = errors.New("already in a room")
	ErrUnknownProfile        = errors.New("unknown quality profile")
	ErrCodecNotFound         = errors.New("codec not found in session description")
)

// AckError is returned when the relay acknowledges a room-scoped emit with success=false.
type AckError struct {
	Event   string
	Message string
}

func (e *AckError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s rejected by relay", e.Event)
	}
	return fmt.Sprintf("%s rejected by relay: %s", e.Event, e.Message)
}
