package process

import (
	"bytes"
	"encoding/json"
	"strings"
)

// stderrTailLines bounds how much stderr is carried into an error payload.
const stderrTailLines = 50

// Failure is the error payload recorded for a handler that did not succeed.
type Failure struct {
	Message  string   `json:"message"`
	ExitCode *int     `json:"exitCode,omitempty"`
	TimedOut bool     `json:"timedOut,omitempty"`
	Logs     []string `json:"logs,omitempty"`
}

// Interpret converts a process result into the handler output or failure
// payload. Exactly one of the returned values is non-nil.
func Interpret(res *Result) (json.RawMessage, json.RawMessage) {
	if res.Succeeded() {
		return encodeOutput(res.Stdout), nil
	}
	f := Failure{
		ExitCode: res.ExitCode,
		TimedOut: res.TimedOut,
		Logs:     TailLines(res.Stderr, stderrTailLines),
	}
	switch {
	case res.TimedOut:
		f.Message = "handler timed out"
	case res.ExitCode == nil:
		f.Message = "handler terminated abnormally"
	default:
		f.Message = "handler exited with a non-zero status"
	}
	payload, _ := json.Marshal(f)
	return nil, payload
}

func encodeOutput(stdout []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(trimmed) {
		return json.RawMessage(trimmed)
	}
	// Handlers that print several lines usually end with their result.
	lines := TailLines(trimmed, 1)
	if len(lines) == 1 && json.Valid([]byte(lines[0])) {
		return json.RawMessage(lines[0])
	}
	encoded, _ := json.Marshal(string(trimmed))
	return encoded
}

// TailLines returns the last n non-empty lines of data.
func TailLines(data []byte, n int) []string {
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
