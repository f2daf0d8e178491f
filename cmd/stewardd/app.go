package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/approval"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/config"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/executor"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/matcher"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/observability"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/producer"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/publish"
	"github.com/lizTheDeveloper/solarpunk-utopia-sub001/pkg/recordkeeper"
)

// version is reported by telemetry and the usage banner.
const version = "0.4.0"

// app holds the wired services shared by every subcommand.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	obs     *observability.Provider
	store   approval.Store
	ledger  *approval.Ledger
	records *recordkeeper.Client

	closers []func() error
}

// setupLogging installs the process-wide JSON logger.
func setupLogging(cfg *config.Config, w io.Writer) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	return logger
}

// newApp loads configuration and opens the ledger.
func newApp(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := setupLogging(cfg, stderr)

	a := &app{cfg: cfg, logger: logger}

	a.obs, err = newObservability(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.obs.Shutdown(shutdownCtx)
	})

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	a.ledger = approval.NewLedger(store).WithObservability(a.obs)
	a.records = recordkeeper.New(cfg.RecordsAPIURL,
		recordkeeper.WithToken(cfg.RecordsAPIToken),
		recordkeeper.WithRateLimit(rate.Limit(cfg.RecordsRPS), cfg.RecordsBurst),
		recordkeeper.WithTimeout(cfg.RecordsTimeout),
	)
	return a, nil
}

func newObservability(ctx context.Context, cfg *config.Config) (*observability.Provider, error) {
	if cfg.OTLPEndpoint == "" {
		return observability.Disabled(), nil
	}
	oc := observability.DefaultConfig()
	oc.ServiceVersion = version
	oc.Environment = cfg.Environment
	oc.OTLPEndpoint = cfg.OTLPEndpoint
	oc.Insecure = cfg.OTLPInsecure
	return observability.New(ctx, oc)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}
	a.closers = nil
}

// sink connects to JetStream when NATS_URL is set and logs otherwise.
func (a *app) sink(ctx context.Context) (publish.Sink, error) {
	if a.cfg.NATSURL == "" {
		a.logger.InfoContext(ctx, "NATS_URL not set, announcing proposals to the log")
		return publish.NewLogSink(a.logger), nil
	}
	js, nc, err := publish.ConnectJetStream(a.cfg.NATSURL, a.cfg.SubjectPrefix)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { return nc.Drain() })
	if err := js.EnsureStream(ctx, a.cfg.StreamName); err != nil {
		return nil, err
	}
	a.logger.InfoContext(ctx, "publishing to JetStream", "stream", a.cfg.StreamName, "prefix", a.cfg.SubjectPrefix)
	return js, nil
}

// policy loads PRODUCERS_FILE. Without it no producer would have an explicit
// enable flag or TTL, so startup fails.
func (a *app) policy() (*config.Policy, error) {
	p, err := config.LoadPolicy(a.cfg.ProducersFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("producer policy %s not found; set PRODUCERS_FILE: %w", a.cfg.ProducersFile, err)
	}
	return p, err
}

// runners builds the producer runners under the loaded policy.
func (a *app) runners(sink publish.Sink) ([]*producer.Runner, error) {
	policy, err := a.policy()
	if err != nil {
		return nil, err
	}
	opts := []matcher.Option{matcher.WithExisting(a.ledger)}
	if score := policy.For(matcher.Name).MinScore; score != nil {
		opts = append(opts, matcher.WithMinScore(*score))
	}
	m := matcher.New(a.records, opts...)
	runners, err := producer.RunnerSet([]producer.Producer{m}, policy, a.ledger, sink, a.obs)
	if err != nil {
		return nil, fmt.Errorf("build producers: %w", err)
	}
	return runners, nil
}

func (a *app) coordinator() *executor.Coordinator {
	return executor.NewCoordinator(a.ledger, a.records,
		executor.WithTimeout(a.cfg.ExecutionTimeout),
		executor.WithLease(a.cfg.ExecutionLease),
		executor.WithObservability(a.obs),
	)
}
