// Command relnode operates a relation index: it serves one over a metrics
// endpoint, imports edge files into it and inspects or searches it.
//
// Configuration is read from RELNODE_* environment variables, optionally
// seeded from a .env file; flags override both.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apache/arrow/go/v17/arrow/memory"
	"github.com/goccy/go-yaml"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	relerr "github.com/23skdu/relnode/internal/errors"
	"github.com/23skdu/relnode/internal/health"
	"github.com/23skdu/relnode/internal/logging"
	"github.com/23skdu/relnode/internal/relations"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		code := status.Code(relerr.ToGRPCStatus(err))
		fmt.Fprintf(os.Stderr, "Error: %v (%s)\n", err, code)
		stop()
		os.Exit(exitCode(code))
	}
}

// exitCode maps the status code of a failed command to the process exit status.
func exitCode(code codes.Code) int {
	switch code {
	case codes.OK:
		return 0
	case codes.InvalidArgument:
		return 2
	case codes.FailedPrecondition:
		return 3
	case codes.Unavailable:
		return 4
	case codes.Aborted:
		return 5
	case codes.Canceled, codes.DeadlineExceeded:
		return 130
	default:
		return 1
	}
}

type app struct {
	envFile  string
	dataPath string
	channel  string
	logLevel string

	cfg    Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "relnode",
		Short:         "Relation index node",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file to load before reading the environment")
	flags.StringVar(&a.dataPath, "data", "", "index directory (overrides RELNODE_DATA_PATH)")
	flags.StringVar(&a.channel, "channel", "", "index channel: stable or experimental (overrides RELNODE_CHANNEL)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level (overrides RELNODE_LOG_LEVEL)")

	root.AddCommand(
		a.serveCmd(),
		a.statsCmd(),
		a.importCmd(),
		a.searchCmd(),
		a.deleteResourceCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := LoadConfig(a.envFile, cmd.Flags().Changed("env-file"))
	if err != nil {
		return err
	}
	if a.dataPath != "" {
		cfg.DataPath = a.dataPath
	}
	if a.channel != "" {
		cfg.Channel = a.channel
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if err := ValidateConfig(&cfg); err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Config{
		Format: cfg.LogFormat,
		Level:  cfg.LogLevel,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}

func (a *app) open(ctx context.Context) (*relations.Index, error) {
	return relations.Open(ctx, a.cfg.IndexConfig(),
		relations.WithLogger(a.logger),
		relations.WithAllocator(memory.NewGoAllocator()),
		relations.WithSearchCacheSize(a.cfg.SearchCacheSize),
		relations.WithSearchCacheTTL(a.cfg.SearchCacheTTL),
	)
}

func (a *app) serveCmd() *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Open the index and expose metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			idx, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() {
				if err := idx.Close(); err != nil {
					a.logger.Error().Err(err).Msg("Failed to close index")
				}
			}()

			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			mux.Handle("/healthz", a.healthManager(idx).HTTPHandler())
			srv := &http.Server{
				Addr:              a.cfg.MetricsAddr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info().Str("address", a.cfg.MetricsAddr).Msg("Starting metrics server")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
				a.logger.Info().Msg("Shutting down")
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("metrics server: %w", err)
				}
			}

			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "grace period for the metrics server")
	return cmd
}

func (a *app) healthManager(idx *relations.Index) *health.HealthManager {
	hm := health.NewHealthManager(version, a.logger)
	hm.RegisterChecker(health.NewIndexChecker("relations", idx.Reader(), time.Second))
	hm.RegisterChecker(health.NewStorageChecker(a.cfg.DataPath))
	return hm
}

type indexStats struct {
	Path          string                     `yaml:"path"`
	Channel       relations.Channel          `yaml:"channel"`
	Edges         int                        `yaml:"edges"`
	NodeTypes     []relations.NodeTypeMember `yaml:"node_types"`
	RelationTypes []string                   `yaml:"relation_types"`
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print the edge count and type vocabularies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			idx, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = idx.Close() }()

			r := idx.Reader()
			n, err := r.Count(ctx)
			if err != nil {
				return err
			}
			types, err := r.GetTypes(ctx)
			if err != nil {
				return err
			}
			return writeYAML(cmd, indexStats{
				Path:          a.cfg.DataPath,
				Channel:       idx.Config().Channel,
				Edges:         n,
				NodeTypes:     types.NodeTypes,
				RelationTypes: types.RelationTypes,
			})
		},
	}
}

// importFile is the YAML document accepted by the import command. When
// Resource is set, the edges replace everything the resource contributed.
type importFile struct {
	Resource string           `yaml:"resource,omitempty"`
	Edges    []relations.Edge `yaml:"edges"`
}

func (a *app) importCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Insert the edges of a YAML file in one commit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var doc importFile
			if err := readYAML(args[0], &doc); err != nil {
				return err
			}

			ctx := cmd.Context()
			idx, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = idx.Close() }()

			actx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			w, err := idx.AcquireWriter(actx)
			if err != nil {
				return err
			}
			defer w.Release()

			if doc.Resource != "" {
				err = w.SetResource(doc.Resource, doc.Edges)
			} else {
				for _, e := range doc.Edges {
					if err = w.Insert(e); err != nil {
						break
					}
				}
			}
			if err != nil {
				return err
			}
			if err := w.Commit(ctx); err != nil {
				return err
			}

			n, err := idx.Reader().Count(ctx)
			if err != nil {
				return err
			}
			a.logger.Info().Str("file", args[0]).Int("read", len(doc.Edges)).Int("edges", n).Msg("Imported edges")
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "imported %d edges, index holds %d\n", len(doc.Edges), n)
			return err
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for the writer")
	return cmd
}

func (a *app) searchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "search FILE",
		Short: "Run the YAML search request in FILE and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var req relations.SearchRequest
			if err := readYAML(args[0], &req); err != nil {
				return err
			}

			ctx := cmd.Context()
			idx, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = idx.Close() }()

			resp, err := idx.Reader().Search(ctx, &req)
			if err != nil {
				return err
			}
			return writeYAML(cmd, resp)
		},
	}
}

func (a *app) deleteResourceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-resource ID",
		Short: "Remove every edge contributed by or pointing at a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			idx, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = idx.Close() }()

			w, err := idx.TryAcquireWriter()
			if err != nil {
				return err
			}
			defer w.Release()
			if err := w.DeleteResource(args[0]); err != nil {
				return err
			}
			return w.Commit(ctx)
		},
	}
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return relerr.WrapValidationError(err, "read_input", "cannot parse "+path)
	}
	return nil
}

func writeYAML(cmd *cobra.Command, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(data)
	return err
}
