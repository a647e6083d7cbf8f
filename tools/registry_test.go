package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func named(name string) Tool {
	return NewFuncTool(name, "", nil, func(context.Context, json.RawMessage) (any, error) { return name, nil })
}

func names(tools []Tool) []string {
	out := make([]string, len(tools))
	for i, t := range tools {
		out[i] = t.Definition().Name
	}
	return out
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry()
	r.MustRegister("search", named("web"))
	r.MustRegister("search", named("docs"))
	r.MustRegister("ops", named("deploy"))
	r.MustRegister("", named("echo"))
	return r
}

func TestSelect_AllGroupsWhenNoneEnabled(t *testing.T) {
	r := newTestRegistry(t)
	got := strings.Join(names(r.Select(nil, nil)), ",")
	if got != "web,docs,deploy,echo" {
		t.Fatalf("unexpected selection %q", got)
	}
}

func TestSelect_GroupsThenToolFilter(t *testing.T) {
	r := newTestRegistry(t)

	got := strings.Join(names(r.Select([]string{"search", "missing"}, nil)), ",")
	if got != "web,docs" {
		t.Fatalf("unexpected group selection %q", got)
	}

	got = strings.Join(names(r.Select([]string{"search"}, []string{"docs", "deploy"})), ",")
	if got != "docs" {
		t.Fatalf("unexpected filtered selection %q", got)
	}

	got = strings.Join(names(r.Select(nil, []string{"deploy", " "})), ",")
	if got != "deploy" {
		t.Fatalf("unexpected tool-only selection %q", got)
	}
}

func TestRegister_RejectsDuplicatesAndEmptyNames(t *testing.T) {
	r := newTestRegistry(t)
	if err := r.Register("ops", named("web")); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if err := r.Register("ops", named("")); err == nil {
		t.Fatalf("expected empty name error")
	}
	if err := r.Register("ops", nil); err == nil {
		t.Fatalf("expected nil tool error")
	}
	if len(r.Groups()) != 3 {
		t.Fatalf("expected 3 groups, got %v", r.Groups())
	}
}

func TestBuiltins(t *testing.T) {
	r := NewRegistry()
	if err := RegisterBuiltins(r); err != nil {
		t.Fatalf("RegisterBuiltins failed: %v", err)
	}
	gen, ok := r.Lookup("uuid_generator")
	if !ok {
		t.Fatalf("uuid_generator not registered")
	}
	out, err := gen.Execute(context.Background(), json.RawMessage(`{"count":3}`))
	if err != nil {
		t.Fatalf("uuid_generator failed: %v", err)
	}
	if got := out.(map[string]any)["count"]; got != 3 {
		t.Fatalf("expected 3 uuids, got %v", got)
	}

	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := NewClock(func() time.Time { return fixed })
	out, err = clock.Execute(context.Background(), nil)
	if err != nil {
		t.Fatalf("current_time failed: %v", err)
	}
	if iso := out.(map[string]any)["iso"]; iso != "2026-01-02T03:04:05Z" {
		t.Fatalf("unexpected time %v", iso)
	}
	if _, err := clock.Execute(context.Background(), json.RawMessage(`{"timezone":"Not/AZone"}`)); err == nil {
		t.Fatalf("expected unknown timezone error")
	}
}
