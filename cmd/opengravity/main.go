package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/opengravity/opengravity/agent"
	"github.com/opengravity/opengravity/agent/acp"
	"github.com/opengravity/opengravity/agent/terminal"
	"github.com/opengravity/opengravity/config"
	"github.com/opengravity/opengravity/gateway"
	"github.com/opengravity/opengravity/llm"
	"github.com/opengravity/opengravity/policy"
	"github.com/opengravity/opengravity/session"
	"github.com/opengravity/opengravity/tools"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run is main without the process globals. It returns the exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	flags := flag.NewFlagSet("opengravity", flag.ContinueOnError)
	flags.SetOutput(stderr)
	workspaceFlag := flags.String("w", "", "Workspace directory (defaults to the current directory)")
	modeFlag := flags.String("m", "", "Execution mode: 'auto' or 'prompt'")
	sessionFlag := flags.String("s", "", "Session name to create or resume (defaults to 'default')")
	toolsetFlag := flags.String("t", "", "Toolset to use (defaults to 'default')")
	toolVerbosityFlag := flags.String("tool-verbosity", "info", "Tool verbosity level: 'none', 'info', or 'all'")
	acpFlag := flags.Bool("acp", false, "Serve the Agent Client Protocol on stdio")
	traceFlag := flags.Bool("trace", false, "Log at trace level to troubleshoot issues")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	workspace := *workspaceFlag
	if workspace == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintf(stderr, "Error resolving workspace: %+v\n", err)
			return 1
		}
		workspace = wd
	}
	workspace, err := filepath.Abs(workspace)
	if err != nil {
		fmt.Fprintf(stderr, "Error resolving workspace: %+v\n", err)
		return 1
	}

	cfg, err := config.LoadConfig(workspace)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading configuration: %+v\n", err)
		return 1
	}
	if *modeFlag != "" {
		cfg.Mode = *modeFlag
	}
	switch agent.Mode(cfg.Mode) {
	case agent.ModeAuto, agent.ModePrompt:
	default:
		fmt.Fprintf(stderr, "Invalid mode '%s'. Must be 'auto' or 'prompt'.\n", cfg.Mode)
		return 1
	}
	verbosity := terminal.ToolVerbosity(*toolVerbosityFlag)
	switch verbosity {
	case terminal.ToolVerbosityNone, terminal.ToolVerbosityInfo, terminal.ToolVerbosityAll:
	default:
		fmt.Fprintf(stderr, "Invalid tool verbosity '%s'. Must be 'none', 'info', or 'all'.\n", *toolVerbosityFlag)
		return 1
	}
	if *traceFlag {
		cfg.Log.Level = "trace"
	}

	// Logs go to stderr unless a file is configured; in ACP mode stdout is
	// reserved for protocol messages.
	logger, closeLog, err := config.NewLogger(cfg.Log, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error configuring logging: %+v\n", err)
		return 1
	}
	defer closeLog()
	slog.SetDefault(logger)

	client, err := llm.NewClient(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error initializing LLM client: %+v\n", err)
		return 1
	}

	policyPath := cfg.ApprovalPolicy
	if policyPath != "" && !filepath.IsAbs(policyPath) {
		policyPath = filepath.Join(workspace, policyPath)
	}
	engine, err := policy.LoadEngine(ctx, policyPath, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading approval policy: %+v\n", err)
		return 1
	}

	toolset, err := cfg.GetToolset(*toolsetFlag)
	if err != nil {
		fmt.Fprintf(stderr, "Error selecting toolset: %+v\n", err)
		return 1
	}

	gw := gateway.New(gateway.Options{
		Decider: engine,
		Mode:    cfg.Mode,
		Toolset: toolset.Tools,
		Logger:  logger,
	})
	defer gw.Shutdown()
	gw.Register(tools.ServerID, tools.NewRegistry(cfg, logger))
	servers, err := cfg.MCPServers()
	if err != nil {
		logger.Warn("ignoring malformed tool server discovery file", "error", err)
	}
	gw.Startup(ctx, servers)

	systemPrompt := config.LoadSystemPrompt(workspace)
	newAgent := func(sess *session.Session, approver gateway.Approver) *agent.Agent {
		a := agent.New(sess, client, gw.WithApprover(approver), logger)
		a.SystemPrompt = systemPrompt
		a.MaxToolRounds = cfg.MaxToolRounds
		return a
	}

	if *acpFlag {
		logger.Info("starting ACP server", "workspace", workspace)
		err := acp.Run(ctx, stdin, stdout, acp.Options{
			Workspace: workspace,
			NewAgent:  newAgent,
			Logger:    logger,
		})
		if err != nil {
			fmt.Fprintf(stderr, "ACP mode failed: %+v\n", err)
			return 1
		}
		return 0
	}

	sess := session.Load(session.Path(workspace, *sessionFlag), logger)
	if sess.Len() > 0 {
		fmt.Fprintf(stdout, "Resuming session: %s (%d messages)\n", sess.Name, sess.Len())
	} else {
		fmt.Fprintf(stdout, "Starting new session: %s\n", sess.Name)
	}

	console := terminal.NewConsole(stdin, stdout)
	term := terminal.New(newAgent(sess, console), console, terminal.Options{
		Tools:         gw,
		Workspace:     workspace,
		ArchiveDir:    cfg.Archive.Dir,
		ArchiveFormat: cfg.Archive.Format,
		Verbosity:     verbosity,
	})

	fmt.Fprintln(stdout, "Opengravity is ready. Type your prompt, or /help.")
	if err := term.Run(ctx, strings.Join(flags.Args(), " ")); err != nil {
		fmt.Fprintf(stderr, "Agent stopped with an error: %+v\n", err)
		return 1
	}
	return 0
}
