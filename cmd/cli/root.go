package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/turtacn/keystore/internal/bootstrap"
	"github.com/turtacn/keystore/internal/config"
	"github.com/turtacn/keystore/internal/infrastructure/monitoring"
	"github.com/turtacn/keystore/pkg/constants"
)

// rootOptions carries the persistent flags and the lazily built service graph.
type rootOptions struct {
	configPath string
	verbose    bool
}

// NewRootCommand builds the `keystore-admin` command tree.
// It operates directly on the configured storage; no running server is needed.
// NewRootCommand 构建 `keystore-admin` 命令树，直接操作配置的存储。
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "keystore-admin",
		Short: "A CLI tool for administering keystore keys.",
		Long: `keystore-admin performs administrative tasks against the keystore storage,
such as issuing, inspecting, refreshing and revoking keys and converting
them to and from their signed compact form.`,
		Version:       constants.ServiceVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to the configuration file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "log at info level to stderr")

	cmd.AddCommand(newKeysCommand(opts), newJWTCommand(opts))
	return cmd
}

// Execute is the main entry point for the CLI application.
// If an error occurs, it prints the error and exits.
// Execute 是 CLI 应用程序的主入口点。如果发生错误，它会打印错误并退出。
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run opens the service graph for one invocation, hands it to fn and closes it.
func (o *rootOptions) run(cmd *cobra.Command, fn func(ctx context.Context, app *bootstrap.App) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	level := "warn"
	if o.verbose {
		level = "info"
	}
	// Logs never go to stdout, which carries command output.
	log, err := monitoring.NewZapLogger(&config.LogConfig{Level: level, Format: "console", OutputPath: "stderr"})
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg, err := config.NewLoader(o.configPath, log).Load()
	if err != nil {
		return err
	}
	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close(context.Background()) }()

	return fn(ctx, app)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
