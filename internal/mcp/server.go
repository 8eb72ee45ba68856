// Package mcp serves the authoring and run tools over the Model Context Protocol.
package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"evidenceflow/internal/agent"
	"evidenceflow/internal/core"
	"evidenceflow/internal/runner"
	"evidenceflow/internal/runs"
	"evidenceflow/internal/store"
)

const (
	serverName    = "evidenceflow"
	serverVersion = "1.0.0"
	// Endpoint is the path of the streamable HTTP transport.
	Endpoint = "/mcp"
)

const (
	toolPromote     = "promote_automation"
	toolInvokeTask  = "invoke_task"
	toolGetRun      = "get_run"
	toolListRuns    = "list_runs"
	toolCronPreview = "cron_preview"
)

// Options configures a Server.
type Options struct {
	Store    *store.Store
	Toolbox  *agent.Toolbox
	Runner   *runner.Runner
	Tracker  *runs.Tracker
	Location *time.Location
	Logger   *slog.Logger
}

// Server exposes the toolbox and the runner as MCP tools.
type Server struct {
	store    *store.Store
	toolbox  *agent.Toolbox
	runner   *runner.Runner
	tracker  *runs.Tracker
	location *time.Location
	logger   *slog.Logger

	mcp *server.MCPServer
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	location := opts.Location
	if location == nil {
		location = time.Local
	}
	s := &Server{
		store:    opts.Store,
		toolbox:  opts.Toolbox,
		runner:   opts.Runner,
		tracker:  opts.Tracker,
		location: location,
		logger:   logger.With("component", "mcp"),
	}
	s.mcp = server.NewMCPServer(
		serverName,
		serverVersion,
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// ServeStdio serves the tools on stdin and stdout until the input closes.
func (s *Server) ServeStdio() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.mcp)
}

// HTTPHandler returns the streamable HTTP transport mounted at Endpoint.
func (s *Server) HTTPHandler() *server.StreamableHTTPServer {
	return server.NewStreamableHTTPServer(s.mcp, server.WithEndpointPath(Endpoint))
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) registerTools() {
	defs := agent.Definitions(false)
	for _, def := range defs {
		s.mcp.AddTool(def, s.handleAgentTool(def.Name))
	}

	s.mcp.AddTool(mcp.NewTool(toolPromote,
		mcp.WithDescription("Deploy the automation's validated handler and activate its schedule"),
		mcp.WithString(agent.ArgAutomationID,
			mcp.Required(),
			mcp.Description("Automation ID"),
		),
	), s.handlePromote)

	s.mcp.AddTool(mcp.NewTool(toolInvokeTask,
		mcp.WithDescription("Start a run of the task's deployed handler. Returns immediately with the run ID."),
		mcp.WithString("taskId",
			mcp.Required(),
			mcp.Description("Task ID that owns the automation"),
		),
	), s.handleInvokeTask)

	s.mcp.AddTool(mcp.NewTool(toolGetRun,
		mcp.WithDescription("Get the status, output and error of a run"),
		mcp.WithString("runId",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
	), s.handleGetRun)

	s.mcp.AddTool(mcp.NewTool(toolListRuns,
		mcp.WithDescription("List an automation's runs, newest first"),
		mcp.WithString(agent.ArgAutomationID,
			mcp.Required(),
			mcp.Description("Automation ID"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of runs, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListRuns)

	s.mcp.AddTool(mcp.NewTool(toolCronPreview,
		mcp.WithDescription("Preview the next trigger times of a 5-field cron expression"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression, e.g. '0 6 * * 1'"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of trigger times, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)

	s.logger.Info("MCP tools registered", "count", len(defs)+5)
}

func (s *Server) handleAgentTool(name string) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		automationID := mcp.ParseString(request, agent.ArgAutomationID, "")
		a, err := s.store.GetAutomation(ctx, automationID)
		if err != nil {
			if errors.Is(err, store.ErrAutomationNotFound) {
				return mcp.NewToolResultError(fmt.Sprintf("automation not found: %s", automationID)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("load automation: %v", err)), nil
		}
		delete(args, agent.ArgAutomationID)
		out := s.toolbox.Call(ctx, a, name, args)
		if out.IsError {
			return mcp.NewToolResultError(out.Content), nil
		}
		return mcp.NewToolResultText(out.Content), nil
	}
}

func (s *Server) handlePromote(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	automationID := mcp.ParseString(request, agent.ArgAutomationID, "")
	a, d, err := s.runner.Promote(ctx, automationID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("promote failed: %v", err)), nil
	}
	result := fmt.Sprintf("Automation promoted: %s\nDeployment: %s\nContent hash: %s\n", a.ID, d.ID, d.ContentHash)
	if next, ok := s.runner.Scheduler().Next(a.ID); ok {
		result += fmt.Sprintf("Next scheduled run: %s\n", formatTime(next.In(s.location)))
	}
	return mcp.NewToolResultText(result), nil
}

func (s *Server) handleInvokeTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "taskId", "")
	handle, err := s.runner.InvokeTask(ctx, taskID, core.TriggerManual)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invoke failed: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Run started: %s\nStatus: %s\nPoll %s for completion.", handle.RunID, handle.Status, toolGetRun)), nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "runId", "")
	run, err := s.tracker.Get(ctx, runID)
	if err != nil {
		if errors.Is(err, runs.ErrRunNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("get run: %v", err)), nil
	}
	return mcp.NewToolResultText(describeRun(run, s.location)), nil
}

func (s *Server) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	automationID := mcp.ParseString(request, agent.ArgAutomationID, "")
	limit := mcp.ParseInt(request, "limit", 20)
	list, err := s.tracker.List(ctx, automationID, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list runs: %v", err)), nil
	}
	if len(list) == 0 {
		return mcp.NewToolResultText("No runs found"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d runs:\n\n", len(list))
	for _, run := range list {
		fmt.Fprintf(&b, "%s  %-9s  %-9s  %s\n", run.ID, run.Status, run.Trigger, formatTime(run.CreatedAt.In(s.location)))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleCronPreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expr := mcp.ParseString(request, "cron", "")
	count := mcp.ParseInt(request, "count", 5)
	if count < 1 || count > 10 {
		count = 5
	}
	schedule, err := core.ParseCron(expr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}
	times := core.NextOccurrences(schedule, time.Now().In(s.location), count)
	var b strings.Builder
	fmt.Fprintf(&b, "Cron: %s\nNext %d trigger times:\n", expr, len(times))
	for i, t := range times {
		fmt.Fprintf(&b, "%d. %s\n", i+1, formatTime(t))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func describeRun(run *core.Run, loc *time.Location) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Run ID: %s\n", run.ID)
	fmt.Fprintf(&b, "Automation: %s\n", run.AutomationID)
	fmt.Fprintf(&b, "Status: %s\n", run.Status)
	fmt.Fprintf(&b, "Trigger: %s\n", run.Trigger)
	fmt.Fprintf(&b, "Created: %s\n", formatTime(run.CreatedAt.In(loc)))
	if run.StartedAt != nil {
		fmt.Fprintf(&b, "Started: %s\n", formatTime(run.StartedAt.In(loc)))
	}
	if run.EndedAt != nil {
		fmt.Fprintf(&b, "Ended: %s\n", formatTime(run.EndedAt.In(loc)))
	}
	if run.Output != nil {
		fmt.Fprintf(&b, "Output: %s\n", compact(run.Output))
	}
	if run.Error != nil {
		fmt.Fprintf(&b, "Error: %s\n", compact(run.Error))
	}
	return b.String()
}

func compact(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func formatTime(t time.Time) string {
	return t.Format("2006-01-02 15:04:05 MST")
}
