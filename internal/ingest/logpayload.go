package ingest

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Heterogeneous sources ship differently shaped log payloads. LogPayload
// is a tagged union keyed by source, with the raw JSON kept as a
// fallback for shapes no tag matches.
type LogPayload struct {
	Source  string
	Server  *ServerLog
	Client  *ClientLog
	Build   *BuildLog
	Monitor *MonitorLog
	Raw     json.RawMessage
}

// ServerLog is the payload shipped by server-side instrumentation.
type ServerLog struct {
	RequestID string `json:"request_id"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Status    int    `json:"status"`
	Runtime   string `json:"runtime"`
}

// ClientLog is the payload shipped by browser instrumentation.
type ClientLog struct {
	URL         string   `json:"url"`
	UserAgent   string   `json:"user_agent"`
	Breadcrumbs []string `json:"breadcrumbs"`
}

// BuildLog is the payload shipped on build failures.
type BuildLog struct {
	Step     string `json:"step"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// MonitorLog is the payload shipped by external threshold monitors.
type MonitorLog struct {
	Check     string  `json:"check"`
	Threshold float64 `json:"threshold"`
	Observed  float64 `json:"observed"`
}

// ParseLogs decodes a raw logs payload according to its source tag. A
// payload that does not decode into the source's shape is kept raw
// rather than rejected; arbitrary structured data is still useful to
// the analyzer verbatim.
func ParseLogs(source string, raw json.RawMessage) LogPayload {
	p := LogPayload{Source: source, Raw: raw}
	if len(raw) == 0 {
		return p
	}

	switch source {
	case "server":
		var v ServerLog
		if json.Unmarshal(raw, &v) == nil && v != (ServerLog{}) {
			p.Server = &v
		}
	case "client":
		var v ClientLog
		if json.Unmarshal(raw, &v) == nil && (v.URL != "" || v.UserAgent != "" || len(v.Breadcrumbs) > 0) {
			p.Client = &v
		}
	case "build":
		var v BuildLog
		if json.Unmarshal(raw, &v) == nil && v != (BuildLog{}) {
			p.Build = &v
		}
	case "monitor":
		var v MonitorLog
		if json.Unmarshal(raw, &v) == nil && v != (MonitorLog{}) {
			p.Monitor = &v
		}
	}
	return p
}

// Render produces a compact human-readable view of the payload for
// reasoning prompts.
func (p LogPayload) Render() string {
	switch {
	case p.Server != nil:
		return fmt.Sprintf("request %s %s -> %d (id %s, runtime %s)",
			p.Server.Method, p.Server.Path, p.Server.Status, p.Server.RequestID, p.Server.Runtime)
	case p.Client != nil:
		var b strings.Builder
		fmt.Fprintf(&b, "page %s (agent %s)", p.Client.URL, p.Client.UserAgent)
		if len(p.Client.Breadcrumbs) > 0 {
			b.WriteString("\nbreadcrumbs: ")
			b.WriteString(strings.Join(p.Client.Breadcrumbs, " -> "))
		}
		return b.String()
	case p.Build != nil:
		return fmt.Sprintf("build step %q exited %d\n%s", p.Build.Step, p.Build.ExitCode, p.Build.Output)
	case p.Monitor != nil:
		return fmt.Sprintf("check %q observed %.2f against threshold %.2f",
			p.Monitor.Check, p.Monitor.Observed, p.Monitor.Threshold)
	case len(p.Raw) > 0:
		return string(p.Raw)
	default:
		return ""
	}
}
