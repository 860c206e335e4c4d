package events

import (
	"context"
	"errors"
)

// BusSink forwards subject status write-backs to the bus as
// EventSubjectStatus events, so subject modules (consignor, indent, vehicle
// assignment) can subscribe and persist the string on their own records.
type BusSink struct {
	Bus *EventBus
}

// NewBusSink creates a sink publishing on bus.
func NewBusSink(bus *EventBus) *BusSink {
	return &BusSink{Bus: bus}
}

// SyncStatus delivers the status event to every subscriber before returning
// and joins their errors. Having no subscriber is not a failure.
func (s *BusSink) SyncStatus(ctx context.Context, subjectRef, displayStatus string) error {
	var errs []error
	for _, err := range s.Bus.PublishSync(ctx, Event{
		Type:          EventSubjectStatus,
		SubjectRef:    subjectRef,
		DisplayStatus: displayStatus,
	}) {
		if !errors.Is(err, ErrNoHandler) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
