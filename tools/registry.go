// Package tools holds the tools a reasoning loop may call and the grouping
// used to enable them per run.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/PipeOpsHQ/agent-controlplane/types"
)

const DefaultGroup = "default"

type Tool interface {
	Definition() types.ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// Func adapts a plain function into a Tool.
type Func struct {
	Def types.ToolDefinition
	Run func(ctx context.Context, args json.RawMessage) (any, error)
}

func NewFuncTool(name, description string, schema map[string]any, run func(ctx context.Context, args json.RawMessage) (any, error)) Func {
	return Func{Def: types.ToolDefinition{Name: name, Description: description, JSONSchema: schema}, Run: run}
}

func (f Func) Definition() types.ToolDefinition { return f.Def }

func (f Func) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	if f.Run == nil {
		return nil, fmt.Errorf("tool %q has no execute function", f.Def.Name)
	}
	return f.Run(ctx, args)
}

// Registry maps tool names to tools and tools to groups. The zero value is
// not usable; call NewRegistry.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	groups map[string][]string
	order  []string
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}, groups: map[string][]string{}}
}

// Register adds tool to group. An empty group means DefaultGroup.
func (r *Registry) Register(group string, tool Tool) error {
	if tool == nil {
		return fmt.Errorf("tool is required")
	}
	name := strings.TrimSpace(tool.Definition().Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	group = strings.TrimSpace(group)
	if group == "" {
		group = DefaultGroup
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = tool
	if _, ok := r.groups[group]; !ok {
		r.order = append(r.order, group)
	}
	r.groups[group] = append(r.groups[group], name)
	return nil
}

func (r *Registry) MustRegister(group string, tool Tool) {
	if err := r.Register(group, tool); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Select returns the tools available to a run. With no groups every group is
// eligible; otherwise only the named groups. A non-empty enabledTools further
// filters by tool name. Unknown names are ignored.
func (r *Registry) Select(enabledGroups, enabledTools []string) []Tool {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	groups := r.order
	if len(cleanList(enabledGroups)) > 0 {
		groups = cleanList(enabledGroups)
	}
	allow := map[string]struct{}{}
	for _, n := range cleanList(enabledTools) {
		allow[n] = struct{}{}
	}

	seen := map[string]struct{}{}
	out := make([]Tool, 0)
	for _, g := range groups {
		for _, name := range r.groups[g] {
			if _, dup := seen[name]; dup {
				continue
			}
			if len(allow) > 0 {
				if _, ok := allow[name]; !ok {
					continue
				}
			}
			seen[name] = struct{}{}
			out = append(out, r.tools[name])
		}
	}
	return out
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Definitions lists the definitions of tools, in order.
func Definitions(tools []Tool) []types.ToolDefinition {
	out := make([]types.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		out = append(out, t.Definition())
	}
	return out
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
