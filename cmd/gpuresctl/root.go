package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gogpu/gpures"
)

// options holds the global flags.
type options struct {
	configFile string
	verbose    bool
	jsonOut    bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "gpuresctl",
		Short: "Inspect and exercise the gpures resource bookkeeping core",
		Long: `gpuresctl loads a gpures configuration from a TOML file, GPURES_*
environment variables and flags, prints it, and drives synthetic frame loops
across the buddy allocator, buffer pool, staging belt and pipeline cache.`,
		Version:       gpures.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			setupLogging(cmd.ErrOrStderr(), opts.verbose)
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVarP(&opts.configFile, "config", "c", "", "Configuration file (TOML)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Enable debug logging")
	flags.BoolVar(&opts.jsonOut, "json", false, "Output in JSON format")

	flags.Int("pool-max-buffers", 0, "Maximum pooled buffers")
	flags.Uint64("pool-max-total-size", 0, "Maximum pooled bytes")
	flags.Duration("pool-eviction-timeout", 0, "Idle time before a pooled buffer is evicted")
	flags.Uint64("staging-chunk-size", 0, "Staging belt chunk size in bytes")
	flags.Uint64("allocator-size", 0, "Buddy allocator arena size in bytes")
	bindFlag(v, flags.Lookup("pool-max-buffers"), "pool.max_buffers")
	bindFlag(v, flags.Lookup("pool-max-total-size"), "pool.max_total_size")
	bindFlag(v, flags.Lookup("pool-eviction-timeout"), "pool.eviction_timeout")
	bindFlag(v, flags.Lookup("staging-chunk-size"), "staging.chunk_size")
	bindFlag(v, flags.Lookup("allocator-size"), "allocator.size")

	load := func() (gpures.Config, error) {
		return loadConfig(v, opts.configFile)
	}
	cmd.AddCommand(newConfigCmd(opts, load))
	cmd.AddCommand(newSimulateCmd(opts, load))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func setupLogging(w io.Writer, verbose bool) {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	gpures.SetLogger(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// loadConfig layers defaults, the config file, GPURES_* variables and
// flags, lowest to highest precedence.
func loadConfig(v *viper.Viper, path string) (gpures.Config, error) {
	def := gpures.DefaultConfig()
	v.SetDefault("pool.max_buffers", def.Pool.MaxBuffers)
	v.SetDefault("pool.max_total_size", def.Pool.MaxTotalSize)
	v.SetDefault("pool.eviction_timeout", def.Pool.EvictionTimeout)
	v.SetDefault("pool.enable_size_classes", def.Pool.EnableSizeClasses)
	v.SetDefault("staging.chunk_size", def.Staging.ChunkSize)
	v.SetDefault("allocator.size", def.Allocator.Size)
	v.SetDefault("allocator.min_block_size", def.Allocator.MinBlockSize)

	v.SetEnvPrefix("GPURES")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return gpures.Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg gpures.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return gpures.Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
