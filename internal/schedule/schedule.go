// Package schedule projects the calendar and the autonomy loop through the
// state query contract. Calendar events live in a JSON file owned by the
// scheduling subsystem; this package only reads it.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// Event is one calendar entry.
type Event struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Category  string    `json:"category"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Completed bool      `json:"completed"`
}

// Duration returns the event length, zero when End is unset or inverted.
func (e Event) Duration() time.Duration {
	if e.End.Before(e.Start) || e.End.IsZero() {
		return 0
	}
	return e.End.Sub(e.Start)
}

// Calendar reads events from a JSON file.
type Calendar struct {
	path string
}

// NewCalendar points at the schedule file. The file may not exist yet; a
// missing file reads as an empty calendar.
func NewCalendar(path string) *Calendar {
	return &Calendar{path: path}
}

// Events loads the full event list.
func (c *Calendar) Events(_ context.Context) ([]Event, error) {
	data, err := os.ReadFile(c.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("schedule: read calendar: %w", err)
	}
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return nil, fmt.Errorf("schedule: parse calendar: %w", err)
	}
	return events, nil
}
