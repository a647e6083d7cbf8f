package cli

import (
	"strings"
)

type cliOptions struct {
	configPath     string
	envFile        string
	conversationID string
	modelID        string
	knowledgeIDs   []string
	tools          []string
	toolGroups     []string
	frames         bool
	manual         bool
	reject         bool
}

func parseArgs(args []string) (cliOptions, []string) {
	opts := cliOptions{envFile: ".env"}
	positional := make([]string, 0, len(args))
	for i, arg := range args {
		switch {
		case arg == "--":
			// Everything after a bare "--" is input, even if it looks like a flag.
			return opts, append(positional, args[i:]...)
		case strings.HasPrefix(arg, "--config="):
			opts.configPath = strings.TrimSpace(strings.TrimPrefix(arg, "--config="))
		case strings.HasPrefix(arg, "--env-file="):
			opts.envFile = strings.TrimSpace(strings.TrimPrefix(arg, "--env-file="))
		case strings.HasPrefix(arg, "--conversation="):
			opts.conversationID = strings.TrimSpace(strings.TrimPrefix(arg, "--conversation="))
		case strings.HasPrefix(arg, "--model="):
			opts.modelID = strings.TrimSpace(strings.TrimPrefix(arg, "--model="))
		case strings.HasPrefix(arg, "--knowledge="):
			opts.knowledgeIDs = splitCSV(strings.TrimPrefix(arg, "--knowledge="))
		case strings.HasPrefix(arg, "--tools="):
			opts.tools = splitCSV(strings.TrimPrefix(arg, "--tools="))
		case strings.HasPrefix(arg, "--tool-groups="):
			opts.toolGroups = splitCSV(strings.TrimPrefix(arg, "--tool-groups="))
		case arg == "--frames":
			opts.frames = true
		case arg == "--manual":
			opts.manual = true
		case arg == "--reject":
			opts.reject = true
		default:
			positional = append(positional, arg)
		}
	}
	return opts, positional
}

func normalizeInput(args []string) string {
	if len(args) > 0 && strings.TrimSpace(args[0]) == "--" {
		args = args[1:]
	}
	return strings.TrimSpace(strings.Join(args, " "))
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
