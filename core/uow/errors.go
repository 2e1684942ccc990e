package uow

import "strings"

// CompositeError combines the error that ended an invocation with the
// cleanup failures collected while ending the remaining participants.
// Unwrap preserves invocation order so errors.Is/As keep working.
type CompositeError struct {
	Trigger error
	Cleanup []error
}

func (e *CompositeError) Error() string {
	var b strings.Builder
	b.WriteString("unit of work failed: ")
	b.WriteString(e.Trigger.Error())
	for _, c := range e.Cleanup {
		b.WriteString("; ")
		b.WriteString(c.Error())
	}
	return b.String()
}

func (e *CompositeError) Unwrap() []error {
	out := make([]error, 0, len(e.Cleanup)+1)
	out = append(out, e.Trigger)
	out = append(out, e.Cleanup...)
	return out
}

// combine folds cleanup failures into the trigger. No cleanup failures
// means the trigger propagates alone.
func combine(trigger error, cleanup []error) error {
	if trigger == nil && len(cleanup) == 0 {
		return nil
	}
	if len(cleanup) == 0 {
		return trigger
	}
	return &CompositeError{Trigger: trigger, Cleanup: cleanup}
}
