package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/server"

	"github.com/xhd2015/v8dbg/inspector"
)

// install: go install ./cmd/inspector-mcp
const help = `
inspector-mcp inspector protocol mcp server

Usage: inspector-mcp <cmd> [OPTIONS]

Available commands:
  help                               show help message

Options:
  --command <command>                interpreter binary to launch debuggees with (default: node)
  --listen <listen>                  listen address for SSE transport (default: stdio)
  --help                             show help message
`

func main() {
	if err := handle(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func handle(args []string) error {
	if len(args) > 0 && args[0] == "help" {
		fmt.Println(strings.TrimSpace(help))
		return nil
	}

	var listen string
	var command string
	n := len(args)
	for i, arg := range args {
		switch arg {
		case "--command":
			if i+1 >= n {
				return fmt.Errorf("%s requires arg", arg)
			}
			command = args[i+1]
		case "--listen":
			if i+1 >= n {
				return fmt.Errorf("%s requires arg", arg)
			}
			listen = args[i+1]
		case "-h", "--help":
			fmt.Println(strings.TrimSpace(help))
			return nil
		}
	}

	if command == "" {
		command = "node"
	}

	s := server.NewMCPServer(
		"Inspector Protocol MCP",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithPromptCapabilities(true),
		server.WithResourceCapabilities(true, true),
	)

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("get user home directory: %w", err)
	}
	configDir := filepath.Join(homeDir, ".inspector-mcp")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	logFile := filepath.Join(configDir, "inspector-mcp.log")
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer file.Close()

	logger := &inspector.StderrLogger{Writer: file}
	sm := newSessionManager(logger)
	registerTools(s, sm, command)

	if listen == "" {
		logger.Infof("MCP server listening on stdio...")
		if err := server.ServeStdio(s); err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	} else {
		logger.Infof("MCP server listening on %s...", listen)
		sseServer := server.NewSSEServer(s)
		if err := sseServer.Start(listen); err != nil {
			return err
		}
	}
	return nil
}
