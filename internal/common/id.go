package common

import (
	"github.com/google/uuid"
)

// NewEventID generates a unique progress event ID with the "evt_" prefix
// Format: evt_<uuid>
func NewEventID() string {
	return "evt_" + uuid.New().String()
}

// NewSubscriberID generates a unique bus subscriber ID with the "sub_" prefix
func NewSubscriberID() string {
	return "sub_" + uuid.New().String()
}
