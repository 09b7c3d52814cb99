// Partage file-sharing server
//
// Features:
// - Shared folders with per-user access lists
// - File upload/download/mkdir over HTTP
// - Soft delete to a trash with restore (rename or replace on conflict)
// - SSE change feed
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vdust/partage/internal/config"
	"github.com/vdust/partage/internal/logging"
	"github.com/vdust/partage/internal/manager"
	"github.com/vdust/partage/internal/share"
)

// operator is the identity offline commands act as when --as is not set.
var operator = &share.User{Name: "operator", Admin: true}

type app struct {
	configPath string
	envFile    string
	output     string
	as         string

	cfg *config.Config
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "partage",
		Short:         "Shared folders with a trash",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logging.Sync()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file (default: ./partage.yaml or $XDG_CONFIG_HOME/partage/partage.yaml)")
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before the configuration")
	flags.StringVarP(&a.output, "output", "o", "table", "output format: table, json or yaml")
	flags.StringVar(&a.as, "as", "", "act as this configured user (default: an admin operator)")

	root.AddCommand(
		newServeCmd(a),
		newFoldersCmd(a),
		newTrashCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(a.envFile); err != nil {
		return fmt.Errorf("load %s: %w", a.envFile, err)
	}
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	switch a.output {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", a.output)
	}

	logCfg := cfg.LoggingConfig()
	if cmd.Name() != "serve" && logCfg.Output == "stdout" {
		// Keep stdout for command output.
		logCfg.Output = "stderr"
		logCfg.Level = "warn"
	}
	return logging.Init(logCfg)
}

// manager opens the shared root for an offline command.
func (a *app) manager(ctx context.Context) (*manager.Manager, error) {
	mgr, err := manager.New(a.cfg.ManagerConfig())
	if err != nil {
		return nil, err
	}
	if err := mgr.Init(ctx); err != nil {
		return nil, err
	}
	return mgr, nil
}

// user returns the identity offline commands act as.
func (a *app) user(mgr *manager.Manager) *share.User {
	if a.as == "" {
		return operator
	}
	u := mgr.User(a.as)
	logging.Debug("acting as user", zap.String("user", u.Name), zap.Bool("admin", u.Admin))
	return u
}
