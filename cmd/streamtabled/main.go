// streamtabled - incrementally-maintained materialized view engine
// Either runs the background scheduler daemon or dispatches a one-shot
// CLI subcommand against the catalog.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chzyer/readline"

	"github.com/grove/streamtable/internal/catalog"
	"github.com/grove/streamtable/internal/cdc"
	"github.com/grove/streamtable/internal/cli"
	"github.com/grove/streamtable/internal/config"
	"github.com/grove/streamtable/internal/ddlhooks"
	"github.com/grove/streamtable/internal/host"
	"github.com/grove/streamtable/internal/orchestrator"
	"github.com/grove/streamtable/internal/scheduler"
	"github.com/grove/streamtable/internal/shm"
)

const version = "0.1.0"

func main() {
	var (
		showVersion = flag.Bool("version", false, "Show version")
		dsn         = flag.String("dsn", os.Getenv("STREAMTABLE_DSN"), "Postgres connection string")
		schema      = flag.String("schema", "streamtable", "Catalog schema name")
		debug       = flag.Bool("debug", false, "Enable debug logging")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `streamtabled v%s - incrementally-maintained materialized views

Usage: streamtabled [options] <command> [args...]

Commands:
  daemon                         Run the background scheduler
  create <schema.name> <query> <schedule> <FULL|DIFFERENTIAL>
  alter  <schema.name> [--schedule=S] [--mode=M] [--status=S]
  drop   <schema.name>
  refresh <schema.name>
  status <schema.name>
  history <schema.name> [n]
  staleness <schema.name>
  health <schema.name>            Buffer backlog and replication slot lag
  explain <schema.name>
  shell                           Interactive REPL

Options:
`, version)
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("streamtabled v%s\n", version)
		return
	}
	if *dsn == "" {
		fmt.Fprintln(os.Stderr, "Error: -dsn (or STREAMTABLE_DSN) is required")
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	engine, err := host.Connect(ctx, *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := catalog.Bootstrap(ctx, engine, *schema); err != nil {
		fmt.Fprintf(os.Stderr, "Error: bootstrap catalog: %v\n", err)
		os.Exit(1)
	}

	cat := catalog.NewStore(logger)
	cfgStore := config.NewStore(config.Defaults())
	block := shm.New()
	cdcMgr := cdc.NewManager(engine, cat, cfgStore, logger)
	orch := orchestrator.New(engine, cat, cdcMgr, nil, cfgStore, logger)
	hooks := ddlhooks.NewRegistry(cat, block, logger)

	watcher := config.NewCatalogWatcher(engine, cfgStore, *schema, logger)
	go watcher.Run(ctx, time.Second)

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	app := &cli.App{
		Engine:       engine,
		Catalog:      cat,
		CDC:          cdcMgr,
		Config:       cfgStore,
		Orchestrator: orch,
		DDLHooks:     hooks,
		Schema:       *schema,
		Out:          os.Stdout,
		ErrOut:       os.Stderr,
	}

	switch args[0] {
	case "daemon":
		runDaemon(ctx, engine, cat, cdcMgr, orch, cfgStore, block, logger)
	case "create":
		runCreate(ctx, app, args[1:])
	case "alter":
		runAlter(ctx, app, args[1:])
	case "refresh", "explain":
		fmt.Fprintf(os.Stderr, "Error: %s requires a compiled plan from the parse-tree service, not yet wired into the CLI entry point\n", args[0])
		os.Exit(1)
	case "drop":
		if len(args) < 2 {
			failUsage("drop requires <schema.name>")
		}
		checkErr(app.DropStreamTable(ctx, args[1]))
	case "status":
		if len(args) < 2 {
			failUsage("status requires <schema.name>")
		}
		checkErr(app.Status(ctx, args[1]))
	case "history":
		runHistory(ctx, app, args[1:])
	case "staleness":
		if len(args) < 2 {
			failUsage("staleness requires <schema.name>")
		}
		checkErr(app.Staleness(ctx, args[1]))
	case "health":
		if len(args) < 2 {
			failUsage("health requires <schema.name>")
		}
		checkErr(app.CDCHealth(ctx, args[1]))
	case "shell":
		runShell(ctx, app)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		flag.Usage()
		os.Exit(1)
	}
}

func runDaemon(ctx context.Context, engine *host.Engine, cat *catalog.Store, cdcMgr *cdc.Manager, orch *orchestrator.Orchestrator, cfgStore *config.Store, block *shm.Block, logger *slog.Logger) {
	sched := &scheduler.Scheduler{
		Engine:       engine,
		Catalog:      cat,
		CDC:          cdcMgr,
		Orchestrator: orch,
		Config:       cfgStore,
		Block:        block,
		Logger:       logger,
		PlanFor: func(ctx context.Context, st *catalog.StreamTable, deps []*catalog.Dependency) (*orchestrator.CyclePlan, error) {
			return nil, fmt.Errorf("plan resolution requires the parse-tree service, not yet wired for %s", st.QualifiedName())
		},
	}
	if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Error: scheduler stopped: %v\n", err)
		os.Exit(1)
	}
}

func runCreate(ctx context.Context, app *cli.App, args []string) {
	if len(args) < 4 {
		failUsage("create requires <schema.name> <query> <schedule> <FULL|DIFFERENTIAL>")
	}
	mode := catalog.Mode(args[3])
	checkErr(app.CreateStreamTable(ctx, args[0], args[1], args[2], mode, true))
}

func runAlter(ctx context.Context, app *cli.App, args []string) {
	if len(args) < 1 {
		failUsage("alter requires <schema.name> [--schedule=S] [--mode=M] [--status=S]")
	}
	fs := flag.NewFlagSet("alter", flag.ExitOnError)
	schedule := fs.String("schedule", "", "new schedule string")
	mode := fs.String("mode", "", "new mode (FULL|DIFFERENTIAL)")
	status := fs.String("status", "", "new status (ACTIVE|SUSPENDED)")
	_ = fs.Parse(args[1:])

	var schedulePtr *string
	var modePtr *catalog.Mode
	var statusPtr *catalog.Status
	if *schedule != "" {
		schedulePtr = schedule
	}
	if *mode != "" {
		m := catalog.Mode(*mode)
		modePtr = &m
	}
	if *status != "" {
		s := catalog.Status(*status)
		statusPtr = &s
	}
	checkErr(app.AlterStreamTable(ctx, args[0], schedulePtr, modePtr, statusPtr))
}

func runHistory(ctx context.Context, app *cli.App, args []string) {
	if len(args) < 1 {
		failUsage("history requires <schema.name> [n]")
	}
	n := 20
	if len(args) > 1 {
		fmt.Sscanf(args[1], "%d", &n)
	}
	checkErr(app.History(ctx, args[0], n))
}

// runShell starts an interactive REPL over the CLI subcommands, using
// readline for line editing the same way the teacher's ui.Chat does for
// its conversational loop.
func runShell(ctx context.Context, app *cli.App) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\033[36mstreamtable>\033[0m ",
		HistoryFile:     "/tmp/streamtabled_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			break
		}
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			break
		}
		dispatchShellLine(ctx, app, line)
	}
}

func dispatchShellLine(ctx context.Context, app *cli.App, line string) {
	var cmd, arg string
	fmt.Sscanf(line, "%s %s", &cmd, &arg)
	var err error
	switch cmd {
	case "status":
		err = app.Status(ctx, arg)
	case "staleness":
		err = app.Staleness(ctx, arg)
	case "health":
		err = app.CDCHealth(ctx, arg)
	case "history":
		err = app.History(ctx, arg, 20)
	default:
		fmt.Fprintf(app.ErrOut, "unknown shell command %q\n", cmd)
		return
	}
	if err != nil {
		fmt.Fprintf(app.ErrOut, "Error: %v\n", err)
	}
}

func checkErr(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func failUsage(msg string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	os.Exit(1)
}
