package cli

import (
	"fmt"
	"io"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Agent control plane")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  agent-controlplane serve [--config=path] [--env-file=path]")
	fmt.Fprintln(w, "  agent-controlplane run [--config=path] [--conversation=id] [--model=id] [--frames] -- \"your message\"")
	fmt.Fprintln(w, "  agent-controlplane stop [--config=path] <run-id>")
	fmt.Fprintln(w, "  agent-controlplane confirm [--config=path] [--reject] <tool-execution-id>")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Run Options:")
	fmt.Fprintln(w, "  --conversation=ID             Continue an existing conversation")
	fmt.Fprintln(w, "  --model=ID                    Model candidate for this run")
	fmt.Fprintln(w, "  --knowledge=a,b               Knowledge sources to search before the run")
	fmt.Fprintln(w, "  --tools=a,b                   Enabled tools")
	fmt.Fprintln(w, "  --tool-groups=a,b             Enabled tool groups")
	fmt.Fprintln(w, "  --frames                      Print every stream frame as JSON")
	fmt.Fprintln(w, "  --manual                      Hold each tool call until it is confirmed")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment Variables:")
	fmt.Fprintln(w, "  AGENT_ADDR                   Listen address")
	fmt.Fprintln(w, "  AGENT_LOG_LEVEL              Log level")
	fmt.Fprintln(w, "  AGENT_STATE_BACKEND          memory, redis, sqlite-redis, or bolt")
	fmt.Fprintln(w, "  AGENT_REDIS_ADDR             Redis address for shared cache and stop flags")
	fmt.Fprintln(w, "  AGENT_DEFAULT_MODEL          Default model candidate")
	fmt.Fprintln(w, "  AGENT_CONFIRM_TIMEOUT        How long a manual-mode tool call waits for approval")
	fmt.Fprintln(w, "  AGENT_TRACE_ENABLED          Log OpenTelemetry spans at debug level")
	fmt.Fprintln(w, "  GEMINI_API_KEY               Credential for the default gemini candidate")
}
