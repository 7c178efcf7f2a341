package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juststayawake/chatuser/pkg/config"
	"github.com/juststayawake/chatuser/pkg/proxy"
	"github.com/juststayawake/chatuser/pkg/wizard"
	"github.com/spf13/cobra"
)

var (
	serveConfigPath         string
	serveEnvFiles           []string
	serveListenAddrOverride string
	serveSignCheck          bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv(serveEnvFiles...); err != nil {
				return err
			}
			cfg, err := config.LoadServerConfigEnv(serveConfigPath, os.Getenv)
			if err != nil {
				if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("load server config: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "No server config found at %s. Running first-time setup wizard.\n", serveConfigPath)
				if err := wizard.RunServerWizard(cmd.InOrStdin(), cmd.OutOrStdout(), serveConfigPath, config.NewDefaultServerConfig()); err != nil {
					return fmt.Errorf("first-time setup failed: %w", err)
				}
				cfg, err = config.LoadServerConfigEnv(serveConfigPath, os.Getenv)
				if err != nil {
					return fmt.Errorf("load server config after setup: %w", err)
				}
			}
			if cmd.Flags().Changed("listen-addr") {
				cfg.ListenAddr = serveListenAddrOverride
			}
			if cmd.Flags().Changed("sign-check") {
				cfg.Signature.Enabled = serveSignCheck
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, err := proxy.NewServer(ctx, serveConfigPath, cfg)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}
			return srv.Run(ctx)
		},
	}
	serveCmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultServerConfigPath(), "Server config TOML path")
	serveCmd.Flags().StringSliceVar(&serveEnvFiles, "env-file", []string{".env"}, "Dotenv files applied before the config (existing variables win)")
	serveCmd.Flags().StringVar(&serveListenAddrOverride, "listen-addr", "", "Override listen address from config (e.g. 127.0.0.1:8080)")
	serveCmd.Flags().BoolVar(&serveSignCheck, "sign-check", true, "Override signature.enabled in config")
	rootCmd.AddCommand(serveCmd)
}
