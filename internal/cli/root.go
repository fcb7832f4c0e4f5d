// Package cli builds the chatd command tree.
package cli

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"chatd/internal/config"
)

// Streams are the standard streams a command reads and writes.
type Streams struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// StdStreams returns the process streams.
func StdStreams() Streams { return Streams{In: os.Stdin, Out: os.Stdout, Err: os.Stderr} }

// options collects persistent flag values. Empty means "not set".
type options struct {
	configPath string
	logLevel   string
	logFormat  string
	modelsDir  string
	device     string
	llamaBin   string
	llamaArgs  string
}

// NewRootCmd constructs the chatd command tree. Running the root command
// without a subcommand serves.
func NewRootCmd(st Streams) *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:           "chatd",
		Short:         "Line-delimited JSON chat inference service over stdio",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), o, st)
		},
	}
	root.SetIn(st.In)
	root.SetOut(st.Out)
	root.SetErr(st.Err)

	pf := root.PersistentFlags()
	pf.StringVar(&o.configPath, "config", os.Getenv(config.EnvConfig), "Config file (.yaml, .json or .toml); defaults to "+config.EnvConfig)
	pf.StringVar(&o.logLevel, "log-level", "", "Log level: debug|info|warn|error (defaults "+config.EnvLogLevel+" or info)")
	pf.StringVar(&o.logFormat, "log-format", "", "Log format: console|json")
	pf.StringVar(&o.modelsDir, "models-dir", "", "Directory scanned for *.gguf checkpoints (defaults "+config.EnvModelsDir+")")
	pf.StringVar(&o.device, "device", "", "Device: auto|cpu|metal|cuda|cuda:N (defaults "+config.EnvDevice+" or auto)")
	pf.StringVar(&o.llamaBin, "llama-bin", "", "llama-server binary (defaults "+config.EnvLlamaBin+" or llama-server)")
	pf.StringVar(&o.llamaArgs, "llama-args", "", "Extra llama-server arguments, comma separated")

	serveCmd := &cobra.Command{
		Use:     "serve",
		Short:   "Read JSON commands from stdin and answer on stdout",
		Example: "  echo '{\"method\":\"list_models\"}' | chatd serve",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), o, st)
		},
	}
	var modelsJSON bool
	modelsCmd := &cobra.Command{
		Use:   "models",
		Short: "List built-in and discovered models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runModels(o, st, modelsJSON)
		},
	}
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "Print JSON instead of a table")
	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "Show which compute devices this build can use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevices(st)
		},
	}
	root.AddCommand(serveCmd, modelsCmd, devicesCmd)
	return root
}

// Execute runs the command tree with args under ctx.
func Execute(ctx context.Context, args []string, st Streams) error {
	root := NewRootCmd(st)
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// load resolves configuration: flags > env > file > defaults.
func (o *options) load() (config.Config, error) {
	cfg, err := config.LoadOrDefault(o.configPath)
	if err != nil {
		return cfg, err
	}
	if v := strings.TrimSpace(o.logLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(o.logFormat); v != "" {
		cfg.LogFormat = v
	}
	if v := strings.TrimSpace(o.modelsDir); v != "" {
		cfg.ModelsDir = v
	}
	if v := strings.TrimSpace(o.device); v != "" {
		cfg.Device = v
	}
	if v := strings.TrimSpace(o.llamaBin); v != "" {
		cfg.Llama.Bin = v
	}
	if extra := splitCSV(o.llamaArgs); len(extra) > 0 {
		cfg.Llama.ExtraArgs = append(cfg.Llama.ExtraArgs, extra...)
	}
	return cfg, cfg.Validate()
}

// splitCSV splits a comma separated list, trimming blanks.
func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
