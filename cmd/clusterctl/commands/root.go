// Package commands implements the clusterctl command tree.
package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/clusterscope/internal/clustering"
	"github.com/thebtf/clusterscope/internal/config"
	"github.com/thebtf/clusterscope/internal/db"
	"github.com/thebtf/clusterscope/internal/scoring"
	"github.com/thebtf/clusterscope/internal/worker"
	"github.com/thebtf/clusterscope/pkg/models"
)

// openStore opens the configured store. Tests replace it.
var openStore = worker.OpenStore

// options are the global flags.
type options struct {
	configPath string
	jsonOut    bool
	verbose    bool
}

// app is the per-invocation wiring: one store with the services over it.
type app struct {
	cfg    *config.Config
	store  db.Store
	svc    *clustering.Service
	runner *clustering.Runner
	ranker *scoring.Ranker
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		log.Warn().Err(err).Msg("Store close error")
	}
}

// NewRootCmd builds the clusterctl command tree.
func NewRootCmd(version string) *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:   "clusterctl",
		Short: "clusterctl - scenario clustering and production promotion",
		Long: `clusterctl runs trial clusterings ("scenarios") of problem and solution
entities, compares them with production, and promotes a chosen scenario to a
new production version.

The configured store is opened directly. Scenarios created without --wait are
picked up by a running worker.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(opts.verbose)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "settings file (default ~/.clusterscope/settings.json)")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "output JSON instead of tables")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newScenarioCmd(opts),
		newSweepCmd(opts),
		newVersionsCmd(opts),
		newOrphansCmd(opts),
		newCandidatesCmd(opts),
		newEntitiesCmd(opts),
		newStatusCmd(opts),
	)

	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w\nRun '%s --help' for usage", err, cmd.CommandPath())
	})
	return root
}

func setupLogging(verbose bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	}
}

// loadConfig reads the settings file named by --config, or the default one.
func (o *options) loadConfig() (*config.Config, error) {
	if o.configPath != "" {
		return config.LoadFile(o.configPath)
	}
	return config.Load()
}

// open loads configuration and wires the services over a freshly opened store.
func (o *options) open() (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	store, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	svc := clustering.NewService(store, clustering.ConfigFrom(cfg), log.Logger)
	runner := clustering.NewRunner(svc, clustering.RunnerConfigFrom(cfg), log.Logger)
	calc := scoring.NewCandidateCalculator(&models.CandidateConfig{
		ViabilityWeight:    cfg.ViabilityWeight,
		RatioWeight:        cfg.RatioWeight,
		ProblemCountWeight: cfg.ProblemCountWeight,
	})
	return &app{
		cfg:    cfg,
		store:  store,
		svc:    svc,
		runner: runner,
		ranker: scoring.NewRanker(store, calc, log.Logger),
	}, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
