package agent

import (
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"

	"evidenceflow/internal/llm"
)

const (
	ToolReadScript        = "read_script"
	ToolWriteScript       = "write_script"
	ToolListScripts       = "list_scripts"
	ToolRequestSecret     = "request_secret"
	ToolCreateSandbox     = "create_sandbox"
	ToolSandboxStatus     = "sandbox_status"
	ToolValidateInSandbox = "validate_in_sandbox"
)

// ArgAutomationID is added to every tool when the tools are served outside
// of an authoring conversation.
const ArgAutomationID = "automationId"

// Definitions returns the tool declarations. When scoped is false each tool
// also takes the automation it acts on.
func Definitions(scoped bool) []mcp.Tool {
	withAutomation := func(opts ...mcp.ToolOption) []mcp.ToolOption {
		if scoped {
			return opts
		}
		return append(opts, mcp.WithString(ArgAutomationID,
			mcp.Required(),
			mcp.Description("Automation the call acts on"),
		))
	}
	return []mcp.Tool{
		mcp.NewTool(ToolReadScript, withAutomation(
			mcp.WithDescription("Read a handler from the script store. Defaults to the automation's own handler."),
			mcp.WithString("key",
				mcp.Description("Script key {orgId}/{taskId}[.variant].js"),
			),
		)...),
		mcp.NewTool(ToolWriteScript, withAutomation(
			mcp.WithDescription("Overwrite the automation's handler. Clears any previous sandbox validation."),
			mcp.WithString("content",
				mcp.Required(),
				mcp.Description("Complete handler source"),
			),
			mcp.WithString("runtime",
				mcp.Required(),
				mcp.Description("Runtime identifier, e.g. nodejs20.x"),
			),
			mcp.WithString("handler",
				mcp.Required(),
				mcp.Description("Entrypoint, e.g. index.handler"),
			),
			mcp.WithString("packaging",
				mcp.Description("Packaging format, defaults to zip"),
			),
			mcp.WithString("language",
				mcp.Description("Source language, defaults to javascript"),
			),
			mcp.WithArray("secrets",
				mcp.Description("Secret names the handler reads from its environment"),
				mcp.WithStringItems(),
			),
		)...),
		mcp.NewTool(ToolListScripts, withAutomation(
			mcp.WithDescription("List the organization's stored handlers"),
			mcp.WithNumber("limit",
				mcp.Description("Maximum entries, at most 100"),
				mcp.Min(1),
				mcp.Max(100),
			),
		)...),
		mcp.NewTool(ToolRequestSecret, withAutomation(
			mcp.WithDescription("Ask the user for a credential. The conversation pauses until it is supplied."),
			mcp.WithString("secretName",
				mcp.Required(),
				mcp.Description("Environment variable name, uppercase letters, digits and underscores"),
			),
			mcp.WithString("description",
				mcp.Required(),
				mcp.Description("What the credential is"),
			),
			mcp.WithString("category",
				mcp.Description("Kind of credential, e.g. api_key, oauth_token, password"),
			),
			mcp.WithString("exampleValue",
				mcp.Description("Shape of a valid value, never a real secret"),
			),
			mcp.WithString("reason",
				mcp.Required(),
				mcp.Description("Why the handler needs it"),
			),
		)...),
		mcp.NewTool(ToolCreateSandbox, withAutomation(
			mcp.WithDescription("Open a sandbox session for validating the handler"),
			mcp.WithNumber("timeoutSeconds",
				mcp.Description("Session lifetime, defaults to the configured sandbox timeout"),
				mcp.Min(1),
			),
		)...),
		mcp.NewTool(ToolSandboxStatus, withAutomation(
			mcp.WithDescription("Report whether a sandbox session is still running"),
			mcp.WithString("sandboxId",
				mcp.Required(),
				mcp.Description("Session ID returned by create_sandbox"),
			),
		)...),
		mcp.NewTool(ToolValidateInSandbox, withAutomation(
			mcp.WithDescription("Run the automation's current handler in a sandbox session"),
			mcp.WithString("sandboxId",
				mcp.Required(),
				mcp.Description("Session ID returned by create_sandbox"),
			),
		)...),
	}
}

// LLMTools converts the scoped declarations for a chat completion request.
func LLMTools() []llm.Tool {
	defs := Definitions(true)
	out := make([]llm.Tool, 0, len(defs))
	for _, d := range defs {
		params, err := json.Marshal(d.InputSchema)
		if err != nil {
			continue
		}
		out = append(out, llm.Tool{Name: d.Name, Description: d.Description, Parameters: params})
	}
	return out
}
