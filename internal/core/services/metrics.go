package services

import "twine/internal/core/domain"

type noopMetrics struct{}

func (noopMetrics) PeerCreated()                                    {}
func (noopMetrics) PeerRemoved()                                    {}
func (noopMetrics) OfferSent(bool)                                  {}
func (noopMetrics) AnswerSent()                                     {}
func (noopMetrics) RenegotiationFailed()                            {}
func (noopMetrics) ConnectionStateChanged(domain.ConnectionState)   {}
func (noopMetrics) MicrophoneStatusChanged(domain.MicrophoneStatus) {}
