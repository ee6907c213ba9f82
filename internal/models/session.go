package models

import "time"

type SessionStep string

const (
	StepService      SessionStep = "service"
	StepDatetime     SessionStep = "datetime"
	StepClient       SessionStep = "client"
	StepPayment      SessionStep = "payment"
	StepConfirmation SessionStep = "confirmation"
)

// SessionSteps is the forward order of the booking flow.
var SessionSteps = []SessionStep{
	StepService,
	StepDatetime,
	StepClient,
	StepPayment,
	StepConfirmation,
}

// BookingSession is the autosaved draft of an in-progress booking flow.
// It lives in local draft storage only; nothing is queued for the server
// until Submit.
type BookingSession struct {
	ID             string                            `json:"id"`
	DeviceID       string                            `json:"device_id"`
	Step           SessionStep                       `json:"step"`
	Data           map[SessionStep]map[string]string `json:"data"`
	NetworkQuality string                            `json:"network_quality"`
	CreatedAt      time.Time                         `json:"created_at"`
	LastSavedAt    time.Time                         `json:"last_saved_at"`
}

// StepValue reads a single field from a step snapshot.
func (s *BookingSession) StepValue(step SessionStep, key string) string {
	if s.Data == nil {
		return ""
	}
	snapshot, ok := s.Data[step]
	if !ok {
		return ""
	}
	return snapshot[key]
}

// StepIndex returns the position of a step in the flow, or -1.
func StepIndex(step SessionStep) int {
	for i, s := range SessionSteps {
		if s == step {
			return i
		}
	}
	return -1
}

type SubmitStatus string

const (
	SubmitConfirmed SubmitStatus = "confirmed"
	SubmitQueued    SubmitStatus = "queued"
)

// SubmitOutcome is the definitive result of a submission attempt:
// either a confirmed server booking id, or a queued action id.
type SubmitOutcome struct {
	Status    SubmitStatus `json:"status"`
	BookingID string       `json:"booking_id,omitempty"`
	ActionID  int64        `json:"action_id,omitempty"`
}
