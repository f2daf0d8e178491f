package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/approval"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/contracts"
)

// withApp opens the ledger for a one-shot command and closes it afterwards.
func withApp(stderr io.Writer, fn func(ctx context.Context, a *app) int) int {
	ctx := context.Background()
	a, err := newApp(ctx, stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.Close()
	return fn(ctx, a)
}

// runReapCmd implements `stewardd reap`.
func runReapCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("reap", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	return withApp(stderr, func(ctx context.Context, a *app) int {
		n, err := approval.NewReaper(a.ledger, a.cfg.ReaperInterval).RunOnce(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_, _ = fmt.Fprintf(stdout, "expired %d proposal(s)\n", n)
		return 0
	})
}

// runDecideCmd implements `stewardd decide`.
func runDecideCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("decide", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		id       string
		approver string
		approve  bool
		reject   bool
		reason   string
	)
	cmd.StringVar(&id, "id", "", "Proposal ID (REQUIRED)")
	cmd.StringVar(&approver, "approver", "", "Approver ID (REQUIRED)")
	cmd.BoolVar(&approve, "approve", false, "Approve the proposal")
	cmd.BoolVar(&reject, "reject", false, "Reject the proposal")
	cmd.StringVar(&reason, "reason", "", "Reason recorded with the decision")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if id == "" || approver == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id and --approver are required")
		return 2
	}
	if approve == reject {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --approve or --reject is required")
		return 2
	}

	return withApp(stderr, func(ctx context.Context, a *app) int {
		p, err := a.ledger.RecordDecision(ctx, id, approver, approve, reason)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitCodeFor(err)
		}
		_, _ = fmt.Fprintf(stdout, "%s: %s\n", p.ID, p.Status)
		return 0
	})
}

// runExecuteCmd implements `stewardd execute`.
func runExecuteCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("execute", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	id := cmd.String("id", "", "Proposal ID (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *id == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}

	return withApp(stderr, func(ctx context.Context, a *app) int {
		res, err := a.coordinator().Execute(ctx, *id)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitCodeFor(err)
		}
		_, _ = fmt.Fprintf(stdout, "%s: %s\n", res.Proposal.ID, res.Proposal.Status)
		for _, ref := range res.Refs {
			_, _ = fmt.Fprintf(stdout, "  %s %s\n", ref.Kind, ref.ID)
		}
		return 0
	})
}

// runListCmd implements `stewardd list`.
func runListCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("list", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		producerName string
		kind         string
		statuses     string
		limit        int
		jsonOutput   bool
	)
	cmd.StringVar(&producerName, "producer", "", "Only proposals from this producer")
	cmd.StringVar(&kind, "kind", "", "Only proposals of this kind")
	cmd.StringVar(&statuses, "status", "", "Comma-separated statuses, e.g. PENDING,APPROVED")
	cmd.IntVar(&limit, "limit", 0, "Maximum number of proposals (0 = all)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	f := approval.Filter{ProducerName: producerName, Limit: limit}
	if kind != "" {
		f.Kind = contracts.Kind(strings.ToUpper(kind))
		if !f.Kind.Valid() {
			_, _ = fmt.Fprintf(stderr, "Error: unknown kind %q\n", kind)
			return 2
		}
	}
	if statuses != "" {
		for _, s := range strings.Split(statuses, ",") {
			st := contracts.Status(strings.ToUpper(strings.TrimSpace(s)))
			if !st.Valid() {
				_, _ = fmt.Fprintf(stderr, "Error: unknown status %q\n", s)
				return 2
			}
			f.Statuses = append(f.Statuses, st)
		}
	}

	return withApp(stderr, func(ctx context.Context, a *app) int {
		ps, err := a.ledger.Query(ctx, f)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return printProposals(stdout, stderr, ps, jsonOutput)
	})
}

// runPendingCmd implements `stewardd pending`.
func runPendingCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("pending", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	approver := cmd.String("approver", "", "Approver ID (REQUIRED)")
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *approver == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --approver is required")
		return 2
	}

	return withApp(stderr, func(ctx context.Context, a *app) int {
		ps, err := a.ledger.AwaitingDecision(ctx, *approver)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return printProposals(stdout, stderr, ps, *jsonOutput)
	})
}

// runShowCmd implements `stewardd show`.
func runShowCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("show", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	id := cmd.String("id", "", "Proposal ID (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if *id == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --id is required")
		return 2
	}

	return withApp(stderr, func(ctx context.Context, a *app) int {
		p, err := a.ledger.Get(ctx, *id)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitCodeFor(err)
		}
		return writeJSON(stdout, stderr, p)
	})
}

// runStatsCmd implements `stewardd stats`.
func runStatsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("stats", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	return withApp(stderr, func(ctx context.Context, a *app) int {
		stats, err := a.ledger.Stats(ctx)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if *jsonOutput {
			return writeJSON(stdout, stderr, stats)
		}
		for _, s := range contracts.Statuses() {
			_, _ = fmt.Fprintf(stdout, "%-10s %d\n", s, stats[s])
		}
		return 0
	})
}

func printProposals(stdout, stderr io.Writer, ps []*contracts.Proposal, jsonOutput bool) int {
	if jsonOutput {
		if ps == nil {
			ps = []*contracts.Proposal{}
		}
		return writeJSON(stdout, stderr, ps)
	}
	if len(ps) == 0 {
		_, _ = fmt.Fprintln(stdout, "no proposals")
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tPRODUCER\tEXPIRES\tTITLE")
	for _, p := range ps {
		expires := "-"
		if p.ExpiresAt != nil {
			expires = p.ExpiresAt.UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", p.ID, p.Kind, p.Status, p.ProducerName, expires, p.Title)
	}
	_ = tw.Flush()
	return 0
}

func writeJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// exitCodeFor maps caller mistakes to 2 and everything else to 1.
func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, contracts.ErrNotFound),
		errors.Is(err, contracts.ErrNotAuthorized),
		errors.Is(err, contracts.ErrInvalidState),
		errors.Is(err, contracts.ErrUnsupportedKind):
		return 2
	default:
		return 1
	}
}
