package schedule

import (
	"fmt"
	"strings"
	"time"
)

// State is the commanded output of a relay.
type State string

const (
	StateOn  State = "on"
	StateOff State = "off"
)

// ParseState validates a relay state received from a client or device.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateOn, StateOff:
		return State(s), nil
	default:
		return "", fmt.Errorf("invalid state %q: must be 'on' or 'off'", s)
	}
}

// Window is a daily on-interval. Start is inclusive, End exclusive.
// A window whose start is after its end spans midnight (e.g. 22:00-06:00).
// The zero-length window 00:00-00:00 covers the whole day.
type Window struct {
	Start string         `json:"start"`
	End   string         `json:"end"`
	Days  []time.Weekday `json:"days,omitempty"`
}

// Schedule turns a relay on while the current time falls inside any window.
type Schedule struct {
	Windows []Window `json:"windows"`
}

// Override pins a relay to a fixed state until it expires.
// A zero Until never expires and must be cleared explicitly.
type Override struct {
	State State     `json:"state"`
	Until time.Time `json:"until,omitempty"`
}

// Active reports whether the override still applies at the given time.
func (o *Override) Active(now time.Time) bool {
	if o == nil {
		return false
	}
	return o.Until.IsZero() || now.Before(o.Until)
}

// Default returns the stock schedule: on from 08:00 to 20:00, every day.
func Default() Schedule {
	return Schedule{Windows: []Window{{Start: "08:00", End: "20:00"}}}
}

// Validate checks every window for well-formed HH:MM bounds.
func (s Schedule) Validate() error {
	if len(s.Windows) == 0 {
		return fmt.Errorf("schedule must have at least one window")
	}
	for i, w := range s.Windows {
		if _, err := parseMinute(w.Start); err != nil {
			return fmt.Errorf("windows[%d].start: %w", i, err)
		}
		if _, err := parseMinute(w.End); err != nil {
			return fmt.Errorf("windows[%d].end: %w", i, err)
		}
	}
	return nil
}

// Evaluate returns the scheduled state at the given time.
func (s Schedule) Evaluate(now time.Time) State {
	minute := now.Hour()*60 + now.Minute()
	for _, w := range s.Windows {
		if !w.appliesOn(now.Weekday()) {
			continue
		}
		start, err := parseMinute(w.Start)
		if err != nil {
			continue
		}
		end, err := parseMinute(w.End)
		if err != nil {
			continue
		}
		if windowContains(start, end, minute) {
			return StateOn
		}
	}
	return StateOff
}

func (w Window) appliesOn(day time.Weekday) bool {
	if len(w.Days) == 0 {
		return true
	}
	for _, d := range w.Days {
		if d == day {
			return true
		}
	}
	return false
}

func windowContains(start, end, minute int) bool {
	if start == end {
		// Full-day window.
		return true
	}
	if start < end {
		return minute >= start && minute < end
	}
	// Overnight window.
	return minute >= start || minute < end
}

// Parse builds a schedule from a spec like "08:00-20:00,22:30-23:00".
func Parse(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Schedule{}, fmt.Errorf("empty schedule spec")
	}

	var windows []Window
	for _, part := range strings.Split(spec, ",") {
		bounds := strings.SplitN(strings.TrimSpace(part), "-", 2)
		if len(bounds) != 2 {
			return Schedule{}, fmt.Errorf("invalid window %q: expected HH:MM-HH:MM", part)
		}
		windows = append(windows, Window{
			Start: strings.TrimSpace(bounds[0]),
			End:   strings.TrimSpace(bounds[1]),
		})
	}

	sched := Schedule{Windows: windows}
	if err := sched.Validate(); err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

// String renders the schedule back into the spec format accepted by Parse.
func (s Schedule) String() string {
	parts := make([]string, 0, len(s.Windows))
	for _, w := range s.Windows {
		parts = append(parts, w.Start+"-"+w.End)
	}
	return strings.Join(parts, ",")
}

func parseMinute(value string) (int, error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: expected HH:MM", value)
	}
	return t.Hour()*60 + t.Minute(), nil
}
