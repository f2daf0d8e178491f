package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"runtime"
	"time"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/approval"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/config"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/publish"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/recordkeeper"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

// runDoctorCmd implements `stewardd doctor`.
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output as JSON")
	timeout := cmd.Duration("timeout", 5*time.Second, "Timeout for each connectivity check")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	results := []checkResult{{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}

	cfg, err := config.Load()
	if err != nil {
		results = append(results, checkResult{Name: "config", Status: "fail", Detail: err.Error()})
		return reportDoctor(stdout, stderr, results, *jsonOutput)
	}
	results = append(results, checkResult{Name: "config", Status: "ok", Detail: "environment parsed"})

	ctx := context.Background()
	results = append(results,
		checkStore(ctx, cfg, *timeout),
		checkRecords(ctx, cfg, *timeout),
		checkNATS(ctx, cfg, *timeout),
		checkPolicy(cfg),
	)
	if cfg.OTLPEndpoint == "" {
		results = append(results, checkResult{Name: "telemetry", Status: "warn", Detail: "OTEL_EXPORTER_OTLP_ENDPOINT not set (telemetry disabled)"})
	} else {
		results = append(results, checkResult{Name: "telemetry", Status: "ok", Detail: cfg.OTLPEndpoint})
	}

	return reportDoctor(stdout, stderr, results, *jsonOutput)
}

func checkStore(ctx context.Context, cfg *config.Config, timeout time.Duration) checkResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, closeStore, err := openStore(ctx, cfg, quiet)
	if err != nil {
		return checkResult{Name: "ledger_store", Status: "fail", Detail: err.Error()}
	}
	defer func() { _ = closeStore() }()

	if _, err := store.List(ctx, approval.Filter{Limit: 1}); err != nil {
		return checkResult{Name: "ledger_store", Status: "fail", Detail: err.Error()}
	}
	detail := cfg.LedgerStore
	switch {
	case cfg.LedgerStore == config.StoreMemory:
		return checkResult{Name: "ledger_store", Status: "warn", Detail: "memory (proposals are lost on exit)"}
	case cfg.LiteMode():
		detail = "sqlite in " + cfg.DataDir
	case cfg.LedgerStore == config.StoreSQL:
		detail = "postgres"
	}
	return checkResult{Name: "ledger_store", Status: "ok", Detail: detail}
}

func checkRecords(ctx context.Context, cfg *config.Config, timeout time.Duration) checkResult {
	c := recordkeeper.New(cfg.RecordsAPIURL,
		recordkeeper.WithToken(cfg.RecordsAPIToken),
		recordkeeper.WithTimeout(timeout),
	)
	if err := c.Ping(ctx); err != nil {
		return checkResult{Name: "records_api", Status: "warn", Detail: fmt.Sprintf("%s unreachable: %v", cfg.RecordsAPIURL, err)}
	}
	return checkResult{Name: "records_api", Status: "ok", Detail: cfg.RecordsAPIURL}
}

func checkNATS(ctx context.Context, cfg *config.Config, timeout time.Duration) checkResult {
	if cfg.NATSURL == "" {
		return checkResult{Name: "nats", Status: "warn", Detail: "NATS_URL not set (proposals are announced to the log)"}
	}
	js, nc, err := publish.ConnectJetStream(cfg.NATSURL, cfg.SubjectPrefix)
	if err != nil {
		return checkResult{Name: "nats", Status: "fail", Detail: err.Error()}
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := js.EnsureStream(ctx, cfg.StreamName); err != nil {
		return checkResult{Name: "nats", Status: "fail", Detail: err.Error()}
	}
	return checkResult{Name: "nats", Status: "ok", Detail: fmt.Sprintf("stream %s on %s", cfg.StreamName, nc.ConnectedUrl())}
}

func checkPolicy(cfg *config.Config) checkResult {
	p, err := config.LoadPolicy(cfg.ProducersFile)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return checkResult{Name: "producer_policy", Status: "fail", Detail: cfg.ProducersFile + " not found (serve refuses to start without it)"}
	case err != nil:
		return checkResult{Name: "producer_policy", Status: "fail", Detail: err.Error()}
	}
	enabled, auto := 0, 0
	for name := range p.Producers {
		r := p.For(name)
		if r.Enabled {
			enabled++
		}
		if r.Enabled && r.AutoApprove {
			auto++
		}
	}
	return checkResult{
		Name:   "producer_policy",
		Status: "ok",
		Detail: fmt.Sprintf("%d producer(s) enabled, %d auto-approved", enabled, auto),
	}
}

func reportDoctor(stdout, stderr io.Writer, results []checkResult, jsonOutput bool) int {
	allOK := true
	for _, r := range results {
		if r.Status == "fail" {
			allOK = false
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(map[string]any{"ok": allOK, "checks": results}); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprintf(stdout, "\n%sstewardd doctor%s\n", ColorBold+ColorPurple, ColorReset)
		fmt.Fprintln(stdout, "───────────────")
		for _, r := range results {
			icon := "✅"
			if r.Status == "warn" {
				icon = "⚠️ "
			} else if r.Status == "fail" {
				icon = "❌"
			}
			fmt.Fprintf(stdout, "  %s  %-20s %s%s%s\n", icon, r.Name, ColorGray, r.Detail, ColorReset)
		}
		if allOK {
			fmt.Fprintf(stdout, "\n%sAll checks passed.%s\n", ColorGreen+ColorBold, ColorReset)
		}
	}

	if allOK {
		return 0
	}
	return 1
}
