// Command hypergrid runs a grid node or talks to a running grid as a remote client.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hyp3rd/hypergrid"
	"github.com/hyp3rd/hypergrid/internal/constants"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/middleware"
	"github.com/hyp3rd/hypergrid/pkg/protocol"
	"github.com/hyp3rd/hypergrid/pkg/remotecache"
	"github.com/hyp3rd/hypergrid/pkg/transport"
)

const shutdownTimeout = 10 * time.Second

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "hypergrid",
	Short:         "A clustered in-memory data grid",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(*cobra.Command, []string) error {
		if cfgFile == "" {
			return nil
		}

		viper.SetConfigFile(cfgFile)

		err := viper.ReadInConfig()
		if err != nil {
			return ewrap.Wrapf(err, "read config %s", cfgFile)
		}

		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a grid node",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serve(cmd.Context())
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Read a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRemote(cmd.Context(), func(ctx context.Context, rc remotecache.Service) error {
			v, ok, err := rc.GetWithVersion(ctx, args[0])
			if err != nil {
				return err
			}

			if !ok {
				return ewrap.Wrapf(sentinel.ErrKeyNotFound, "key %q", args[0])
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\t(version %d)\n", v.Value, v.Version)

			return nil
		})
	},
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Write a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		lifespan, _ := cmd.Flags().GetDuration("lifespan")

		return withRemote(cmd.Context(), func(ctx context.Context, rc remotecache.Service) error {
			version, _, err := rc.Put(ctx, args[0], []byte(args[1]), remotecache.WithLifespan(lifespan))
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "version %d\n", version)

			return nil
		})
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <key>",
	Short: "Remove a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRemote(cmd.Context(), func(ctx context.Context, rc remotecache.Service) error {
			_, ok, err := rc.Remove(ctx, args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), ok)

			return nil
		})
	},
}

var sizeCmd = &cobra.Command{
	Use:   "size",
	Short: "Count the entries of the cache across the grid",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withRemote(cmd.Context(), func(ctx context.Context, rc remotecache.Service) error {
			n, err := rc.Size(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), n)

			return nil
		})
	},
}

func init() {
	def := hypergrid.DefaultConfig()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (yaml, json or toml)")

	common := pflag.NewFlagSet("", pflag.ContinueOnError)
	common.String("log-level", "info", "log level")
	common.StringSlice("seeds", nil, "grid members as id=host:port or host:port")
	common.String("serializer", def.Serializer, "wire encoding: json, msgpack or cbor")
	common.Int("client-max-retries", def.Client.MaxRetries, "attempts per operation")
	common.Int("client-max-version-retries", def.Client.MaxVersionRetries, "compute restarts on version conflicts, 0 for unbounded")
	common.Duration("client-backoff-initial", def.Client.BackoffInitial, "first delay between attempts")
	common.Duration("client-backoff-max", def.Client.BackoffMax, "largest delay between attempts")
	common.Duration("client-attempt-timeout", def.Client.AttemptTimeout, "deadline of one wire attempt")
	rootCmd.PersistentFlags().AddFlagSet(common)

	node := pflag.NewFlagSet("", pflag.ContinueOnError)
	node.String("node-id", "", "node id, derived from the address when empty")
	node.String("address", def.Address, "grid command endpoint")
	node.String("management-address", "", "management HTTP endpoint, disabled when empty")
	node.StringSlice("caches", def.Caches, "caches defined on start")
	node.Int("num-segments", def.NumSegments, "segments per cache")
	node.Int("num-owners", def.NumOwners, "owners per segment")
	node.Int("virtual-nodes", def.VirtualNodes, "ring points per node")
	node.Int("worker-pool-size", def.WorkerPoolSize, "workers resuming waiting commands")
	node.Duration("reaper-interval", def.ReaperInterval, "expired entry purge interval")
	node.Duration("transfer-timeout", def.TransferTimeout, "wait for inbound state transfers before serving moved keys, 0 waits indefinitely")
	node.Duration("heartbeat-interval", def.Heartbeat.Interval, "peer probe interval, 0 disables failure detection")
	node.Duration("heartbeat-suspect-after", def.Heartbeat.SuspectAfter, "silence before a peer is suspect")
	node.Duration("heartbeat-dead-after", def.Heartbeat.DeadAfter, "silence before a peer is removed")
	node.String("redis-addr", "", "redis server backing the local stores")
	node.String("redis-username", "", "redis username")
	node.String("redis-password", "", "redis password")
	node.Int("redis-db", 0, "redis database")
	serveCmd.Flags().AddFlagSet(node)

	rootCmd.PersistentFlags().String("cache", constants.DefaultCacheName, "cache to operate on")
	putCmd.Flags().Duration("lifespan", 0, "entry lifespan, 0 for immortal")

	rootCmd.AddCommand(serveCmd, getCmd, putCmd, removeCmd, sizeCmd)

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.SetEnvPrefix("hypergrid")
	viper.AutomaticEnv()

	bindFlags(common)
	bindFlags(node)
	_ = viper.BindPFlag("cache", rootCmd.PersistentFlags().Lookup("cache"))
}

// bindFlags maps "client-max-retries" style flags onto the nested config keys
// ("client.max_retries") the Config mapstructure tags expect.
func bindFlags(fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")

		for _, section := range []string{"client", "heartbeat", "redis"} {
			if rest, ok := strings.CutPrefix(key, section+"_"); ok {
				key = section + "." + rest

				break
			}
		}

		_ = viper.BindPFlag(key, f)
	})
}

func loadConfig() (hypergrid.Config, error) {
	cfg := hypergrid.DefaultConfig()

	err := viper.Unmarshal(&cfg)
	if err != nil {
		return cfg, ewrap.Wrap(err, "decode config")
	}

	return cfg, cfg.Validate()
}

func newLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(viper.GetString("log_level"))
	if err != nil {
		return nil, ewrap.Wrap(err, "log level")
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(os.Stderr), level)

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func serve(ctx context.Context) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	node, err := hypergrid.NewNode(cfg, hypergrid.WithLogger(logger))
	if err != nil {
		return err
	}

	srv := transport.NewServer(cfg.Address, node, transport.WithServerLogger(logger))

	err = srv.Start(ctx)
	if err != nil {
		_ = node.Stop(context.Background())

		return err
	}

	var mgmt *hypergrid.ManagementHTTPServer

	if cfg.ManagementAddress != "" {
		mgmt = hypergrid.NewManagementHTTPServer(cfg.ManagementAddress)

		err = mgmt.Start(ctx, node)
		if err != nil {
			_ = srv.Stop(context.Background())
			_ = node.Stop(context.Background())

			return err
		}
	}

	err = node.Start(ctx)
	if err != nil {
		return err
	}

	logger.Info("node started",
		zap.String("node", node.ID()),
		zap.String("address", srv.Addr()),
		zap.Strings("members", node.Topology().MemberIDs()))

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()

	logger.Info("shutting down")

	shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if mgmt != nil {
		_ = mgmt.Shutdown(shutCtx)
	}

	err = srv.Stop(shutCtx)
	if err != nil {
		logger.Warn("command endpoint shutdown", zap.Error(err))
	}

	return node.Stop(shutCtx)
}

// withRemote runs fn against a client of the configured grid. Every call is logged.
func withRemote(ctx context.Context, fn func(context.Context, remotecache.Service) error) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	seeds, err := hypergrid.SeedMap(cfg.Seeds)
	if err != nil {
		return err
	}

	codec, err := protocol.NewCodec(cfg.Serializer)
	if err != nil {
		return err
	}

	rc, err := hypergrid.NewRemoteCache(viper.GetString("cache"),
		transport.NewHTTPPool(codec, cfg.Client.AttemptTimeout), seeds, cfg.Client, logger)
	if err != nil {
		return err
	}

	return fn(ctx, middleware.NewLoggingMiddleware(rc, logger))
}

func main() {
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
