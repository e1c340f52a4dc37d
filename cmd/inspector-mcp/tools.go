package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/xhd2015/v8dbg/inspector"
)

// registerTools wires every MCP tool this server exposes onto s. Grounded
// on tools/debug/debug.go's RegisterTools: one mcp.NewTool + AddTool pair
// per operation, extracting typed arguments from request.Params.Arguments
// by hand the same way the teacher does.
func registerTools(s *server.MCPServer, sm *sessionManager, command string) {
	registerStartTool(s, sm, command)
	registerTerminateTool(s, sm)
	registerListTool(s, sm)
	registerSetBreakpointTool(s, sm)
	registerContinueTool(s, sm)
	registerNextTool(s, sm)
	registerStepInTool(s, sm)
	registerStepOutTool(s, sm)
	registerPauseTool(s, sm)
	registerEvaluateTool(s, sm)
	registerBacktraceTool(s, sm)
}

func registerStartTool(s *server.MCPServer, sm *sessionManager, command string) {
	tool := mcp.NewTool("start_debug",
		mcp.WithDescription("Launch a debuggee under the inspector protocol and start a session"),
		mcp.WithString("program",
			mcp.Required(),
			mcp.Description("Path to the script to debug"),
		),
		mcp.WithArray("args",
			mcp.Description("Command line arguments for the program"),
			mcp.Items(map[string]interface{}{"type": "string"}),
		),
	)

	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		program, _ := request.Params.Arguments["program"].(string)
		if program == "" {
			return mcp.NewToolResultError("program is required"), nil
		}
		var args []string
		if raw, ok := request.Params.Arguments["args"].([]interface{}); ok {
			for _, a := range raw {
				if str, ok := a.(string); ok {
					args = append(args, str)
				}
			}
		}

		entry, err := sm.Start(ctx, command, append([]string{program}, args...), nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to start debug session: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Debug session started with ID: %s\nProgram: %s", entry.id, program)), nil
	})
}

func registerTerminateTool(s *server.MCPServer, sm *sessionManager) {
	tool := mcp.NewTool("terminate_debug",
		mcp.WithDescription("Terminate a debug session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the debug session")),
	)
	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, _ := request.Params.Arguments["session_id"].(string)
		if err := sm.Terminate(id); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to terminate debug session: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Debug session %s terminated", id)), nil
	})
}

func registerListTool(s *server.MCPServer, sm *sessionManager) {
	tool := mcp.NewTool("list_debug_sessions", mcp.WithDescription("List active debug sessions"))
	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sessions := sm.List()
		if len(sessions) == 0 {
			return mcp.NewToolResultText("No active debug sessions"), nil
		}
		var b strings.Builder
		b.WriteString("Active debug sessions:\n\n")
		for _, e := range sessions {
			fmt.Fprintf(&b, "ID: %s\nProgram: %s\nState: %s\n\n", e.id, e.program, e.getState())
		}
		return mcp.NewToolResultText(b.String()), nil
	})
}

func registerSetBreakpointTool(s *server.MCPServer, sm *sessionManager) {
	tool := mcp.NewTool("set_breakpoint",
		mcp.WithDescription("Set a breakpoint in a debug session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the debug session")),
		mcp.WithString("file", mcp.Required(), mcp.Description("Source file to set the breakpoint in")),
		mcp.WithNumber("line", mcp.Required(), mcp.Description("Line number, 1-based")),
		mcp.WithString("condition", mcp.Description("Optional condition expression")),
	)
	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, _ := request.Params.Arguments["session_id"].(string)
		file, _ := request.Params.Arguments["file"].(string)
		lineF, _ := request.Params.Arguments["line"].(float64)
		condition, _ := request.Params.Arguments["condition"].(string)

		entry, err := sm.Get(id)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		bp, err := entry.session.SetBreakpoint(file, int(lineF), inspector.BreakOn{Kind: inspector.BreakOnAlways}, condition, true)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to set breakpoint: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Breakpoint set at %s:%d", bp.File, bp.Line)), nil
	})
}

func registerContinueTool(s *server.MCPServer, sm *sessionManager) {
	tool := mcp.NewTool("continue_debug",
		mcp.WithDescription("Resume execution in a debug session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the debug session")),
	)
	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entry, err := requireEntry(sm, request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !entry.session.Resume() {
			return mcp.NewToolResultError("failed to continue execution"), nil
		}
		entry.setState("running")
		return mcp.NewToolResultText("Execution continued"), nil
	})
}

func registerNextTool(s *server.MCPServer, sm *sessionManager) {
	registerStepTool(s, sm, "next", "Step over the current line", inspector.StepOver)
}

func registerStepInTool(s *server.MCPServer, sm *sessionManager) {
	registerStepTool(s, sm, "step_in", "Step into the current function call", inspector.StepInto)
}

func registerStepOutTool(s *server.MCPServer, sm *sessionManager) {
	registerStepTool(s, sm, "step_out", "Step out of the current function", inspector.StepOutOf)
}

func registerStepTool(s *server.MCPServer, sm *sessionManager, name, desc string, mode inspector.StepMode) {
	tool := mcp.NewTool(name,
		mcp.WithDescription(desc),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the debug session")),
	)
	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entry, err := requireEntry(sm, request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !entry.session.Continue(mode, true) {
			return mcp.NewToolResultError("failed to step"), nil
		}
		entry.setState("running")
		return mcp.NewToolResultText("Step request sent"), nil
	})
}

func registerPauseTool(s *server.MCPServer, sm *sessionManager) {
	tool := mcp.NewTool("pause_debug",
		mcp.WithDescription("Suspend a running debug session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the debug session")),
	)
	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entry, err := requireEntry(sm, request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !entry.session.BreakAll() {
			return mcp.NewToolResultError("failed to suspend debuggee"), nil
		}
		entry.setState("paused")
		return mcp.NewToolResultText("Debuggee suspended"), nil
	})
}

func registerEvaluateTool(s *server.MCPServer, sm *sessionManager) {
	tool := mcp.NewTool("evaluate",
		mcp.WithDescription("Evaluate an expression in a debug session's current scope"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the debug session")),
		mcp.WithString("expression", mcp.Required(), mcp.Description("Expression to evaluate")),
		mcp.WithNumber("frame_index", mcp.Description("Stack frame index, 0 = innermost")),
	)
	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entry, err := requireEntry(sm, request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		expr, _ := request.Params.Arguments["expression"].(string)
		frameIdxF, hasFrame := request.Params.Arguments["frame_index"].(float64)

		var frame *inspector.StackFrame
		var frames []*inspector.StackFrame
		if t := entry.session.Thread(); t != nil {
			frames = t.Frames()
		}
		if hasFrame && int(frameIdxF) < len(frames) {
			frame = frames[int(frameIdxF)]
		} else if len(frames) > 0 {
			frame = frames[0]
		}

		result, err := entry.session.ExecuteText(frame, expr)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to evaluate expression: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%s = %s", expr, result.Display)), nil
	})
}

func registerBacktraceTool(s *server.MCPServer, sm *sessionManager) {
	tool := mcp.NewTool("backtrace",
		mcp.WithDescription("Print the current call stack of a paused debug session"),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("ID of the debug session")),
	)
	s.AddTool(tool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entry, err := requireEntry(sm, request)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		var frames []*inspector.StackFrame
		if t := entry.session.Thread(); t != nil {
			frames = t.Frames()
		}
		if len(frames) == 0 {
			return mcp.NewToolResultText("No frames (debuggee is not paused)"), nil
		}
		var b strings.Builder
		for _, f := range frames {
			fmt.Fprintf(&b, "#%d %s (%s:%d)\n", f.Index, f.Function, f.Script.Name, f.Line)
		}
		return mcp.NewToolResultText(b.String()), nil
	})
}

func requireEntry(sm *sessionManager, request mcp.CallToolRequest) (*sessionEntry, error) {
	id, _ := request.Params.Arguments["session_id"].(string)
	return sm.Get(id)
}
