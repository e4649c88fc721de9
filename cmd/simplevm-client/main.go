package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deNBI/simplevm-client/pkg/api"
	"github.com/deNBI/simplevm-client/pkg/bibigrid"
	"github.com/deNBI/simplevm-client/pkg/config"
	"github.com/deNBI/simplevm-client/pkg/forc"
	"github.com/deNBI/simplevm-client/pkg/forc/playbook"
	"github.com/deNBI/simplevm-client/pkg/forc/template"
	"github.com/deNBI/simplevm-client/pkg/handler"
	"github.com/deNBI/simplevm-client/pkg/kvstore"
	"github.com/deNBI/simplevm-client/pkg/log"
	"github.com/deNBI/simplevm-client/pkg/metadataservice"
	"github.com/deNBI/simplevm-client/pkg/openstack"
	"github.com/deNBI/simplevm-client/pkg/portcalc"
	"github.com/deNBI/simplevm-client/pkg/rpcserver"
)

func main() {
	root := &cobra.Command{
		Use:          "simplevm-client",
		Short:        "Control plane between the portal and the cloud backends",
		SilenceUsage: true,
	}
	root.AddCommand(newStartCommand())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type startOptions struct {
	configFile   string
	playbooksDir string
}

func newStartCommand() *cobra.Command {
	opts := &startOptions{
		configFile:   "config.yml",
		playbooksDir: "playbooks",
	}
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Run the RPC server",
	}
	cmd.Flags().StringVar(&opts.configFile, "config", opts.configFile, "Path to the YAML configuration file")
	cmd.Flags().StringVar(&opts.playbooksDir, "playbooks-dir", opts.playbooksDir, "Directory holding the playbook repository checkout")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx, opts)
	}
	return cmd
}

func run(ctx context.Context, opts *startOptions) error {
	logger := log.New()
	logger.Info("starting", "config", opts.configFile)

	cfg, err := config.Load(opts.configFile)
	if err != nil {
		return err
	}
	auth, err := config.LoadAuthFromEnv()
	if err != nil {
		return err
	}
	calc, err := portcalc.New(cfg.OpenStack.SSHPortCalculation, cfg.OpenStack.UDPPortCalculation)
	if err != nil {
		return err
	}
	store, err := kvstore.New(ctx, cfg.Redis.Host, cfg.Redis.Port)
	if err != nil {
		return err
	}
	defer store.Close()
	cloud, err := openstack.New(ctx, logger, cfg, auth, calc)
	if err != nil {
		return err
	}

	handlerOpts := handler.Options{
		Config: cfg,
		Calc:   calc,
		Store:  store,
		Cloud:  cloud,
	}

	playbooks := playbook.NewManager(logger, store, opts.playbooksDir)
	handlerOpts.Playbooks = playbooks

	if cfg.Forc.Activated {
		forcClient, err := forc.New(logger, &cfg.Forc)
		if err != nil {
			return err
		}
		handlerOpts.Forc = forcClient

		catalog := template.New(logger, forcClient, opts.playbooksDir, cfg.Forc.GithubPlaybooksRepo)
		if err := catalog.Update(ctx); err != nil {
			logger.Error(err, "initial template catalog update failed")
		}
		// A refresh must also wait for pipelines still preparing their
		// playbook, which the manager does not know about yet.
		activePipelines := func() int {
			n, err := store.CountInStates(ctx, api.TaskStatePreparePlaybook, api.TaskStateBuildPlaybook)
			if err != nil {
				logger.Error(err, "failed to count active pipelines, deferring catalog update")
				return 1
			}
			return n
		}
		go catalog.RunPeriodicUpdates(ctx,
			time.Duration(cfg.Forc.UpdateTemplatesSchedule)*time.Hour,
			activePipelines)
		handlerOpts.Catalog = catalog
	}

	if cfg.Bibigrid.Activated {
		handlerOpts.Cluster = bibigrid.New(logger, cfg, calc.SSHExpression())
	}

	if cfg.MetadataServer.Activated {
		metadata, err := metadataservice.New(logger, &cfg.MetadataServer)
		if err != nil {
			return err
		}
		if !metadata.Available(ctx) {
			logger.Info("metadata sidecar not reachable at startup, continuing")
		}
		handlerOpts.Metadata = metadata
	}

	h := handler.New(logger, handlerOpts)
	server := rpcserver.New(logger, &cfg.Server, h)
	err = server.ListenAndServe(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	h.Shutdown(shutdownCtx)
	logger.Info("stopped")
	return err
}
