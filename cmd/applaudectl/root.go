package main

import (
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/applaude-labs/applaude-go/client"
)

// app carries the resolved configuration to every subcommand.
type app struct {
	cfgFile string
	cfg     cliConfig
}

func (a *app) client() (*client.Client, error) {
	return client.New(client.Config{
		BaseURL:    a.cfg.Server,
		Token:      a.cfg.Token,
		AccountID:  a.cfg.Account,
		HTTPClient: &http.Client{Timeout: a.cfg.Timeout},
		MaxElapsed: a.cfg.Retry,
		Logger:     slog.Default(),
		UserAgent:  "applaudectl",
	})
}

func (a *app) print(cmd *cobra.Command, v any) error {
	return render(cmd.OutOrStdout(), a.cfg.Output, v)
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "applaudectl",
		Short: "Manage projects and bug-fixing runs",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" {
				return nil
			}
			cfg, err := loadConfig(a.cfgFile, cmd.Root().PersistentFlags())
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default: ./"+defaultConfigFile+")")
	flags.String("server", "", "orchestrator base url")
	flags.String("token", "", "bearer token (OIDC ID token or run token)")
	flags.String("account", "", "account id, for servers running AUTH_MODE=dev")
	flags.StringP("output", "o", "", "output format (json|yaml)")
	flags.Duration("timeout", 0, "per-request timeout")
	flags.Duration("retry", 0, "retry budget for transient failures (0 disables)")
	_ = root.RegisterFlagCompletionFunc("output", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{outputJSON, outputYAML}, cobra.ShellCompDirectiveNoFileComp
	})

	root.AddCommand(
		newPlansCmd(a),
		newBalanceCmd(a),
		newProjectsCmd(a),
		newRunsCmd(a),
		newStartCmd(a),
		newWatchCmd(a),
		newProgressCmd(a),
		newMigrateCmd(a),
	)
	return root
}
