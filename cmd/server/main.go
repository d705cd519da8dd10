package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/emllm/port/internal/domain/permission"
	"github.com/emllm/port/internal/infrastructure/config"
	"github.com/emllm/port/internal/infrastructure/server"
)

func main() {
	root := &cobra.Command{
		Use:   "port",
		Short: "Capability bridge for sandboxed mini-apps",
		Long: "Runs the bridge host: sandboxed apps reach storage, files, system and network " +
			"only through permission-checked calls over WebSocket or REST.",
		SilenceUsage: true,
	}

	serve := serveCmd()
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(serve, catalogCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the bridge host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := applyFlags(cmd, cfg); err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cmd.Flags().String("port", "", "Listen port (overrides PORT)")
	cmd.Flags().String("host", "", "Listen host (overrides HOST)")
	cmd.Flags().String("data-dir", "", "Data directory for grants, audit log, storage and app bundles (overrides DATA_DIR)")
	cmd.Flags().String("catalog", "", "Capability catalogue file (.yaml or .toml) merged over the defaults (overrides PERMISSIONS_CATALOG)")
	cmd.Flags().Bool("dev", false, "Development mode: console logs at debug level")
	cmd.Flags().Bool("require-token", false, "Require sandbox instance tokens on the bridge (overrides BRIDGE_REQUIRE_TOKEN)")
	return cmd
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	for name, dst := range map[string]*string{
		"port":     &cfg.Server.Port,
		"host":     &cfg.Server.Host,
		"data-dir": &cfg.DataDir,
		"catalog":  &cfg.Permissions.Catalog,
	} {
		if !flags.Changed(name) {
			continue
		}
		v, err := flags.GetString(name)
		if err != nil {
			return err
		}
		*dst = v
	}
	if flags.Changed("dev") {
		dev, _ := flags.GetBool("dev")
		cfg.Logging.Development = dev
		if dev {
			cfg.Logging.Level = "debug"
		}
	}
	if flags.Changed("require-token") {
		cfg.Bridge.RequireToken, _ = flags.GetBool("require-token")
	}
	return nil
}

func run(cfg *config.Config) error {
	srv, err := server.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ln, err := srv.Listen()
	if err != nil {
		_ = srv.Close()
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	select {
	case <-sigChan:
		return srv.Close()
	case err := <-errChan:
		_ = srv.Close()
		return err
	}
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Print the capability catalogue",
		Long:  "Prints the effective catalogue. The output is a valid override file for --catalog.",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("catalog")
			format, _ := cmd.Flags().GetString("format")
			c, err := permission.LoadCatalog(path)
			if err != nil {
				return err
			}

			var data []byte
			switch format {
			case "yaml":
				data, err = c.YAML()
			case "toml":
				data, err = c.TOML()
			default:
				return fmt.Errorf("unknown format %q (want yaml or toml)", format)
			}
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().String("catalog", "", "Override file (.yaml or .toml) to merge over the defaults")
	cmd.Flags().String("format", "yaml", "Output format: yaml or toml")
	return cmd
}
