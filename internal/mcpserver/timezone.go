// ABOUTME: Timezone tools: current time lookup and cross-zone conversion
// ABOUTME: Unknown IANA names are invalid params, not internal errors

package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/converse/internal/jsonrpc"
)

const timeOfDayLayout = "15:04"

// TimezoneTools builds the get_current_time and convert_time tools. The
// clock is injectable; pass nil for time.Now.
func TimezoneTools(now func() time.Time) []Tool {
	if now == nil {
		now = time.Now
	}
	return []Tool{
		{
			Info: jsonrpc.ToolInfo{
				Name:        "get_current_time",
				Description: "Get the current time in a specific timezone",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"timezone": {"type": "string", "description": "IANA timezone name, e.g. America/New_York"}
					},
					"required": ["timezone"]
				}`),
			},
			Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
				return getCurrentTime(now(), args)
			},
		},
		{
			Info: jsonrpc.ToolInfo{
				Name:        "convert_time",
				Description: "Convert a time of day between two timezones",
				InputSchema: json.RawMessage(`{
					"type": "object",
					"properties": {
						"time": {"type": "string", "description": "Time of day in 24h HH:MM format"},
						"source_timezone": {"type": "string", "description": "IANA timezone the time is given in"},
						"target_timezone": {"type": "string", "description": "IANA timezone to convert to"}
					},
					"required": ["time", "source_timezone", "target_timezone"]
				}`),
			},
			Handler: func(ctx context.Context, args json.RawMessage) (string, error) {
				return convertTime(now(), args)
			},
		},
	}
}

// zoneTime is the per-zone slice of a tool result.
type zoneTime struct {
	Timezone string `json:"timezone"`
	Datetime string `json:"datetime"`
	IsDST    bool   `json:"is_dst"`
}

func getCurrentTime(now time.Time, args json.RawMessage) (string, error) {
	var params struct {
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(args, &params); err != nil || params.Timezone == "" {
		return "", &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "timezone is required"}
	}

	loc, err := loadZone(params.Timezone)
	if err != nil {
		return "", err
	}

	local := now.In(loc)
	return marshalResult(zoneTime{
		Timezone: params.Timezone,
		Datetime: local.Format(time.RFC3339),
		IsDST:    local.IsDST(),
	})
}

func convertTime(now time.Time, args json.RawMessage) (string, error) {
	var params struct {
		Time           string `json:"time"`
		SourceTimezone string `json:"source_timezone"`
		TargetTimezone string `json:"target_timezone"`
	}
	if err := json.Unmarshal(args, &params); err != nil ||
		params.Time == "" || params.SourceTimezone == "" || params.TargetTimezone == "" {
		return "", &jsonrpc.Error{
			Code:    jsonrpc.CodeInvalidParams,
			Message: "time, source_timezone, and target_timezone are required",
		}
	}

	src, err := loadZone(params.SourceTimezone)
	if err != nil {
		return "", err
	}
	dst, err := loadZone(params.TargetTimezone)
	if err != nil {
		return "", err
	}

	clock, err := time.Parse(timeOfDayLayout, params.Time)
	if err != nil {
		return "", &jsonrpc.Error{
			Code:    jsonrpc.CodeInvalidParams,
			Message: fmt.Sprintf("invalid time %q, expected 24h HH:MM", params.Time),
		}
	}

	// Anchor the time of day on today's date in the source zone
	local := now.In(src)
	source := time.Date(local.Year(), local.Month(), local.Day(),
		clock.Hour(), clock.Minute(), 0, 0, src)
	target := source.In(dst)

	_, srcOffset := source.Zone()
	_, dstOffset := target.Zone()
	diffHours := float64(dstOffset-srcOffset) / 3600

	return marshalResult(struct {
		Source         zoneTime `json:"source"`
		Target         zoneTime `json:"target"`
		TimeDifference string   `json:"time_difference"`
	}{
		Source: zoneTime{
			Timezone: params.SourceTimezone,
			Datetime: source.Format(time.RFC3339),
			IsDST:    source.IsDST(),
		},
		Target: zoneTime{
			Timezone: params.TargetTimezone,
			Datetime: target.Format(time.RFC3339),
			IsDST:    target.IsDST(),
		},
		TimeDifference: fmt.Sprintf("%+.1fh", diffHours),
	})
}

func loadZone(name string) (*time.Location, error) {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, &jsonrpc.Error{
			Code:    jsonrpc.CodeInvalidParams,
			Message: "unknown timezone: " + name,
		}
	}
	return loc, nil
}

func marshalResult(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
