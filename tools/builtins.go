package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/PipeOpsHQ/agent-controlplane/types"
)

func NewUUIDGenerator() Tool {
	return Func{
		Def: types.ToolDefinition{
			Name:        "uuid_generator",
			Description: "Generate random UUIDs (v4).",
			JSONSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"count": map[string]any{
						"type":        "integer",
						"description": "Number of UUIDs to generate. Defaults to 1. Maximum 100.",
						"minimum":     1,
						"maximum":     100,
					},
				},
			},
		},
		Run: func(_ context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Count int `json:"count,omitempty"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("invalid uuid_generator args: %w", err)
				}
			}
			count := min(max(in.Count, 1), 100)
			out := make([]string, count)
			for i := range out {
				out[i] = uuid.NewString()
			}
			return map[string]any{"uuids": out, "count": count}, nil
		},
	}
}

// NewClock reports the current time, optionally in a named location.
func NewClock(now func() time.Time) Tool {
	if now == nil {
		now = time.Now
	}
	return Func{
		Def: types.ToolDefinition{
			Name:        "current_time",
			Description: "Return the current date and time.",
			JSONSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timezone": map[string]any{
						"type":        "string",
						"description": "IANA timezone name, e.g. Europe/Berlin. Defaults to UTC.",
					},
				},
			},
		},
		Run: func(_ context.Context, args json.RawMessage) (any, error) {
			var in struct {
				Timezone string `json:"timezone,omitempty"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &in); err != nil {
					return nil, fmt.Errorf("invalid current_time args: %w", err)
				}
			}
			loc := time.UTC
			if tz := strings.TrimSpace(in.Timezone); tz != "" {
				l, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", tz)
				}
				loc = l
			}
			t := now().In(loc)
			return map[string]any{
				"iso":      t.Format(time.RFC3339),
				"unix":     t.Unix(),
				"timezone": loc.String(),
			}, nil
		},
	}
}

// RegisterBuiltins adds the built-in tools to the "builtin" group.
func RegisterBuiltins(r *Registry) error {
	for _, t := range []Tool{NewUUIDGenerator(), NewClock(nil)} {
		if err := r.Register("builtin", t); err != nil {
			return err
		}
	}
	return nil
}
