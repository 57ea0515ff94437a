// pkmd is the personal-knowledge capture service: it receives page visits
// from a browser companion, filters and analyses them with an LLM, and
// maintains a relational store, a vector store, and a markdown index.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pkmd/internal/config"
	"pkmd/internal/extract"
	"pkmd/internal/filter"
	"pkmd/internal/llm"
	"pkmd/internal/logging"
	"pkmd/internal/mdindex"
	"pkmd/internal/memory"
	"pkmd/internal/observability"
	"pkmd/internal/orphan"
	"pkmd/internal/queue"
	"pkmd/internal/server"
	"pkmd/internal/store"
	"pkmd/internal/tabs"
	"pkmd/internal/vector"
	"pkmd/internal/workflow"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pkmd",
		Short:         "Personal knowledge capture service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func newServeCmd() *cobra.Command {
	var configPath string
	var host string
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the capture service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "listen host")
	cmd.Flags().IntVar(&port, "port", 0, "listen port (0 = OS-assigned)")
	return cmd
}

func serve(parent context.Context, cfg config.Config) error {
	obs := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	log := logging.ForComponent(obs, "pkmd")

	relational, err := store.Open(cfg.Storage.RelationalPath())
	if err != nil {
		return err
	}
	defer relational.Close()

	client, embedder, err := buildLLM(cfg)
	if err != nil {
		return err
	}

	vectors, err := vector.Open(cfg.Storage.VectorPath(), embedder, logging.ForComponent(obs, "vector"))
	if err != nil {
		return err
	}

	episodic := memory.NewEpisodic(relational, vectors, logging.ForComponent(obs, "episodic"))
	procedural := memory.NewProcedural(relational, logging.ForComponent(obs, "procedural"))
	if cfg.Storage.RulesFile != "" {
		if err := procedural.SeedFromYAML(parent, cfg.Storage.RulesFile); err != nil {
			return fmt.Errorf("seed rules: %w", err)
		}
	}

	policy := filter.PolicyFromConfig(cfg.Filter.Enabled, cfg.Filter.AllowedTypes,
		cfg.Filter.MinConfidence, cfg.Filter.LogDecisions)
	classifier := filter.New(client, episodic, procedural, policy, logging.ForComponent(obs, "filter"))

	index := mdindex.New(cfg.Storage.MarkdownIndexPath(), logging.ForComponent(obs, "mdindex"))
	extractor := extract.New(client, logging.ForComponent(obs, "extract"))
	wf := workflow.New(relational, vectors, index, classifier, extractor, client,
		logging.ForComponent(obs, "workflow"))

	// The tick handler is bound after the server exists; the closure keeps
	// the queue constructible first.
	var retryOrphans func(context.Context)
	q := queue.New(wf, queue.Config{
		BatchSize:    cfg.Queue.BatchSize,
		BatchTimeout: cfg.Queue.BatchTimeout(),
	}, logging.ForComponent(obs, "queue"), func(ctx context.Context) {
		if retryOrphans != nil {
			retryOrphans(ctx)
		}
	})

	tracker := tabs.NewTracker(logging.ForComponent(obs, "tabs"))
	orphans := orphan.NewManager(logging.ForComponent(obs, "orphan"),
		server.DropToQueue(q, logging.ForComponent(obs, "orphan")))

	srv, err := server.New(server.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
	}, tracker, orphans, q, relational, server.DefaultPortFiles(logging.ForComponent(obs, "server")),
		logging.ForComponent(obs, "server"))
	if err != nil {
		return err
	}
	retryOrphans = srv.RetryOrphans()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("starting pkmd %s (data dir %s)", version, cfg.Storage.DataDir)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(ctx) })
	g.Go(func() error {
		err := q.Run(ctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	err = g.Wait()
	if err != nil && err != context.Canceled {
		return err
	}
	log.Info("pkmd stopped")
	return nil
}

// buildLLM constructs the retry-wrapped client and the embedder. Without an
// API key the service still runs: classification fails softly into the
// unanalysed state and similarity search degrades to the deterministic
// embedder.
func buildLLM(cfg config.Config) (llm.Client, llm.Embedder, error) {
	base, err := llm.New(llm.Config{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		BaseURL:  cfg.LLM.BaseURL,
		Model:    cfg.LLM.Model,
	})
	if err != nil {
		return nil, nil, err
	}
	client := llm.NewRetryClient(base, cfg.LLM.Timeout, nil)

	if cfg.LLM.APIKey == "" {
		return client, llm.HashEmbedder{}, nil
	}
	embedder, err := llm.NewEmbedder(llm.EmbedderConfig{
		Model:   cfg.LLM.EmbeddingModel,
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
	})
	if err != nil {
		return nil, nil, err
	}
	return client, embedder, nil
}
