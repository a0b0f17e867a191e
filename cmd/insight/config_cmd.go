package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved configuration",
	}
	cmd.AddCommand(newConfigShowCmd(a), newConfigPathCmd(a))
	return cmd
}

func newConfigShowCmd(a *app) *cobra.Command {
	var reveal bool
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display the configuration after env and flag overrides",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := *a.cfg
			if !reveal {
				cfg.API.APIKey = maskSecret(cfg.API.APIKey)
				cfg.API.Token = maskSecret(cfg.API.Token)
				cfg.Database.DSN = maskSecret(cfg.Database.DSN)
				cfg.Stub.JWTSecret = maskSecret(cfg.Stub.JWTSecret)
				keys := make([]string, len(cfg.Stub.APIKeys))
				for i, k := range cfg.Stub.APIKeys {
					keys[i] = maskSecret(k)
				}
				cfg.Stub.APIKeys = keys
			}
			data, err := yaml.Marshal(&cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	cmd.Flags().BoolVar(&reveal, "reveal", false, "show secrets unmasked")
	return cmd
}

func newConfigPathCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), a.configPath)
			return nil
		},
	}
}

// maskSecret keeps the first and last four characters of long values.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 10 {
		return "****"
	}
	return s[:4] + strings.Repeat("*", 4) + s[len(s)-4:]
}
