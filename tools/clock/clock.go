// Package clock provides the current_time local tool.
package clock

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vessar/rondo"
)

// Tool reports the current date and time.
type Tool struct {
	now func() time.Time
}

var _ rondo.Tool = (*Tool)(nil)

// New creates a clock tool.
func New() *Tool {
	return &Tool{now: time.Now}
}

func (t *Tool) Definitions() []rondo.ToolDescriptor {
	return []rondo.ToolDescriptor{{
		Name:        "current_time",
		Description: "Get the current date and time, optionally in a specific timezone. Use when the user asks about the time, date, or day of week.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"timezone":{"type":"string","description":"IANA timezone name, e.g. Asia/Jakarta or Europe/Berlin. Defaults to UTC."}}}`),
	}}
}

func (t *Tool) Execute(_ context.Context, _ string, args json.RawMessage) (rondo.ToolResult, error) {
	var params struct {
		Timezone string `json:"timezone"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return rondo.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
	}

	loc := time.UTC
	if params.Timezone != "" {
		l, err := time.LoadLocation(params.Timezone)
		if err != nil {
			return rondo.ToolResult{Error: "unknown timezone: " + params.Timezone}, nil
		}
		loc = l
	}

	return rondo.ToolResult{
		Content: t.now().In(loc).Format("Monday, 2 January 2006, 15:04:05 MST"),
	}, nil
}
