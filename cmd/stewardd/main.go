package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/approval"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/executor"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/producer"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServe(nil, stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return runServe(args[2:], stdout, stderr)
	case "reap":
		return runReapCmd(args[2:], stdout, stderr)
	case "decide":
		return runDecideCmd(args[2:], stdout, stderr)
	case "execute":
		return runExecuteCmd(args[2:], stdout, stderr)
	case "list":
		return runListCmd(args[2:], stdout, stderr)
	case "pending":
		return runPendingCmd(args[2:], stdout, stderr)
	case "show":
		return runShowCmd(args[2:], stdout, stderr)
	case "stats":
		return runStatsCmd(args[2:], stdout, stderr)
	case "doctor":
		return runDoctorCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintf(stdout, "stewardd %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return runServe(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

// ANSI Colors
const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorPurple = "\033[35m"
	ColorCyan   = "\033[36m"
	ColorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sstewardd %s%s\n", ColorBold+ColorBlue, version, ColorReset)
	fmt.Fprintf(w, "%sMachines suggest. People decide.%s\n", ColorGray, ColorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", ColorBold, ColorReset)
	fmt.Fprintln(w, "  stewardd <command> [flags]")
	fmt.Fprintln(w, "")

	printSection(w, "SERVICE")
	printCommand(w, "serve", "Run producers, the expiry reaper and the execution worker (default; --once)")
	printCommand(w, "doctor", "Check configuration and dependencies (--json)")

	printSection(w, "PROPOSALS")
	printCommand(w, "list", "List proposals (--producer, --kind, --status, --limit, --json)")
	printCommand(w, "pending", "List proposals awaiting an approver (--approver)")
	printCommand(w, "show", "Show one proposal (--id)")
	printCommand(w, "decide", "Record a decision (--id, --approver, --approve|--reject, --reason)")
	printCommand(w, "execute", "Execute an approved proposal (--id)")
	printCommand(w, "reap", "Expire proposals past their deadline")
	printCommand(w, "stats", "Count proposals per status")

	printSection(w, "UTILITIES")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", ColorBold+ColorCyan, title, ColorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-12s%s %s\n", ColorGreen, name, ColorReset, desc)
}

// runServe starts the background loops and blocks until SIGINT or SIGTERM.
// With --once it runs a single pass of each loop and exits.
func runServe(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	once := cmd.Bool("once", false, "Run one reaper, producer and execution pass, then exit")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()

	sink, err := a.sink(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	runners, err := a.runners(sink)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	reaper := approval.NewReaper(a.ledger, a.cfg.ReaperInterval)
	scheduler := producer.NewScheduler(runners, a.cfg.ScheduleInterval)
	var worker *executor.Worker
	if a.cfg.ExecuteApproved {
		worker = executor.NewWorker(a.coordinator(), a.cfg.WorkerInterval)
	}

	if *once {
		return serveOnce(ctx, a, reaper, scheduler, worker, stdout)
	}

	if err := reaper.Start(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer reaper.Stop()

	if err := scheduler.Start(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer scheduler.Stop()

	if worker != nil {
		if err := worker.Start(ctx); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer worker.Stop()
	}

	a.logger.Info("stewardd running",
		"version", version,
		"store", a.cfg.LedgerStore,
		"producers", len(runners),
		"execute_approved", a.cfg.ExecuteApproved,
	)
	<-ctx.Done()
	a.logger.Info("shutting down")
	return 0
}

func serveOnce(ctx context.Context, a *app, reaper *approval.Reaper, scheduler *producer.Scheduler, worker *executor.Worker, stdout io.Writer) int {
	code := 0

	expired, err := reaper.RunOnce(ctx)
	if err != nil {
		a.logger.Error("reaper pass failed", "error", err)
		code = 1
	}

	created := 0
	for _, ps := range scheduler.RunOnce(ctx) {
		created += len(ps)
	}

	executed := 0
	if worker != nil {
		executed, err = worker.RunOnce(ctx)
		if err != nil {
			a.logger.Error("execution pass failed", "error", err)
			code = 1
		}
	}

	_, _ = fmt.Fprintf(stdout, "expired=%d created=%d executed=%d\n", expired, created, executed)
	return code
}
