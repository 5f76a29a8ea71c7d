package domain

import (
	"encoding/json"
	"fmt"
)

// DeliveryState is the lifecycle of a message. States only move forward.
type DeliveryState int

const (
	StatePending DeliveryState = iota
	StateSent
	StateDelivered
	StateRead
)

func (s DeliveryState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSent:
		return "sent"
	case StateDelivered:
		return "delivered"
	case StateRead:
		return "read"
	default:
		return fmt.Sprintf("DeliveryState(%d)", int(s))
	}
}

func (s DeliveryState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *DeliveryState) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseDeliveryState(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseDeliveryState(v string) (DeliveryState, error) {
	switch v {
	case "pending":
		return StatePending, nil
	case "sent":
		return StateSent, nil
	case "delivered":
		return StateDelivered, nil
	case "read":
		return StateRead, nil
	}
	return 0, fmt.Errorf("%w: unknown delivery state %q", ErrInvalidRequest, v)
}

// Advance returns the state reached by requesting target from s and whether
// that is a change. Requests that would move backward, or repeat the current
// state, leave s unchanged.
func (s DeliveryState) Advance(target DeliveryState) (DeliveryState, bool) {
	if target <= s {
		return s, false
	}
	return target, true
}
