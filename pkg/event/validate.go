package event

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

const (
	// MaxPayloadKeys bounds the number of top-level payload keys.
	MaxPayloadKeys = 100
	// MaxStringLen bounds every string field carried by an event.
	MaxStringLen = 1000
)

// ErrValidation is the sentinel wrapped by every validation failure.
var ErrValidation = errors.New("invalid event")

// Validate checks the event shape. Validation failures are terminal:
// the pipeline drops the event and logs, it never retries malformed input.
func Validate(e Event) error {
	if e.EventType == "" {
		return fmt.Errorf("%w: eventType is empty", ErrValidation)
	}
	if e.EventName == "" {
		return fmt.Errorf("%w: eventName is empty", ErrValidation)
	}
	if e.Timestamp == "" {
		return fmt.Errorf("%w: timestamp is empty", ErrValidation)
	}
	for _, s := range []string{e.EventType, e.EventName, e.SessionID, e.UserID} {
		if err := checkString(s); err != nil {
			return err
		}
	}
	if e.Payload == nil {
		return nil
	}
	if len(e.Payload) > MaxPayloadKeys {
		return fmt.Errorf("%w: payload has %d keys, max %d", ErrValidation, len(e.Payload), MaxPayloadKeys)
	}
	seen := make(map[uintptr]bool)
	for k, v := range e.Payload {
		if err := checkString(k); err != nil {
			return err
		}
		if err := checkValue(v, seen); err != nil {
			return err
		}
	}
	return nil
}

func checkString(s string) error {
	if len(s) > MaxStringLen {
		return fmt.Errorf("%w: string field exceeds %d chars", ErrValidation, MaxStringLen)
	}
	if strings.ContainsRune(s, 0) {
		return fmt.Errorf("%w: string field contains null byte", ErrValidation)
	}
	for _, r := range s {
		if r < 0x20 && r != '\t' && r != '\n' && r != '\r' {
			return fmt.Errorf("%w: string field contains control character", ErrValidation)
		}
	}
	return nil
}

// checkValue walks a payload value rejecting oversized strings, control
// characters, and circular references. Cycles are detected by tracking
// the addresses of visited maps and slices.
func checkValue(v any, seen map[uintptr]bool) error {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return checkString(val)
	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if seen[ptr] {
			return fmt.Errorf("%w: payload contains circular reference", ErrValidation)
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		for k, nested := range val {
			if err := checkString(k); err != nil {
				return err
			}
			if err := checkValue(nested, seen); err != nil {
				return err
			}
		}
		return nil
	case []any:
		ptr := reflect.ValueOf(val).Pointer()
		if seen[ptr] {
			return fmt.Errorf("%w: payload contains circular reference", ErrValidation)
		}
		seen[ptr] = true
		defer delete(seen, ptr)
		for _, nested := range val {
			if err := checkValue(nested, seen); err != nil {
				return err
			}
		}
		return nil
	default:
		// Numbers, booleans, and other scalar types pass through.
		return nil
	}
}
