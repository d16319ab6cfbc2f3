// myagent-server hosts the plan/solve WebSocket server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/JasonDZS/myagent-sub001/internal/config"
	"github.com/JasonDZS/myagent-sub001/internal/server/bootstrap"
)

var version = "1.0.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		host       string
		port       int
		namespace  string
	)

	root := &cobra.Command{
		Use:          "myagent-server",
		Short:        "Plan/solve agent server over WebSocket",
		SilenceUsage: true,
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
			if cmd.Flags().Changed("namespace") {
				cfg.Server.EventNamespace = namespace
			}

			app, err := bootstrap.Build(cfg, nil)
			if err != nil {
				return err
			}
			return app.Run()
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", "", "path to myagent-config.yaml")
	root.Flags().StringVar(&host, "host", "0.0.0.0", "listen host")
	root.Flags().IntVarP(&port, "port", "p", 8765, "listen port")
	root.Flags().StringVar(&namespace, "namespace", "", "event namespace prefix")

	root.AddCommand(newConfigCmd(), newVersionCmd())
	return root
}

func newConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	var out string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the commented default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(out); err != nil {
				return err
			}
			target := out
			if target == "" {
				target = "myagent-config.yaml"
			}
			fmt.Printf("wrote %s\n", target)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&out, "output", "o", "", "target path (default myagent-config.yaml)")
	configCmd.AddCommand(initCmd)
	return configCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the server version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("myagent-server %s\n", version)
		},
	}
}
