package tally

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Validation limits.
const (
	MaxEventNameLength = 200
	MaxIDLength        = 255
	MaxPropertiesBytes = 32 * 1024
)

// ValidationError describes input rejected before it reaches the queue.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func validateIdentifier(field, value string, max int) error {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Reason: "must not be empty"}
	}
	if n := utf8.RuneCountInString(value); n > max {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("length %d exceeds %d characters", n, max)}
	}
	return nil
}

// ValidateEventName checks a track event name.
func ValidateEventName(name string) error {
	return validateIdentifier("event name", name, MaxEventNameLength)
}

// ValidateUserID checks a user identifier.
func ValidateUserID(id string) error {
	return validateIdentifier("user id", id, MaxIDLength)
}

// ValidateAccountID checks an account identifier.
func ValidateAccountID(id string) error {
	return validateIdentifier("account id", id, MaxIDLength)
}

// ValidateProperties checks that props can be serialized and fit the size
// limit. Self-referencing maps and values JSON cannot represent are rejected.
func ValidateProperties(props map[string]interface{}) error {
	if props == nil {
		return nil
	}
	if hasCycle(props) {
		return &ValidationError{Field: "properties", Reason: "contains a circular reference"}
	}
	b, err := json.Marshal(props)
	if err != nil {
		return &ValidationError{Field: "properties", Reason: "not serializable: " + err.Error()}
	}
	if len(b) > MaxPropertiesBytes {
		return &ValidationError{
			Field:  "properties",
			Reason: fmt.Sprintf("size %d bytes exceeds %d", len(b), MaxPropertiesBytes),
		}
	}
	return nil
}

// hasCycle walks the JSON-shaped containers of props. encoding/json would
// otherwise recurse until the stack overflows on a cycle.
func hasCycle(props map[string]interface{}) bool {
	onPath := make(map[interface{}]bool)
	var visit func(v interface{}) bool
	visit = func(v interface{}) bool {
		switch t := v.(type) {
		case map[string]interface{}:
			if t == nil {
				return false
			}
			key := fmt.Sprintf("m%p", t)
			if onPath[key] {
				return true
			}
			onPath[key] = true
			for _, e := range t {
				if visit(e) {
					return true
				}
			}
			delete(onPath, key)
		case []interface{}:
			if len(t) == 0 {
				return false
			}
			key := fmt.Sprintf("s%p", &t[0])
			if onPath[key] {
				return true
			}
			onPath[key] = true
			for _, e := range t {
				if visit(e) {
					return true
				}
			}
			delete(onPath, key)
		}
		return false
	}
	return visit(props)
}
