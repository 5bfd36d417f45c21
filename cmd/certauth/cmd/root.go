package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/custodia/certauth/config"
)

// Version is set at build time.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "certauth",
	Short: "Certauth is an internal certificate authentication service",
	Long: `An internal certificate authority and second-factor authentication
service. Issues client certificates, verifies presentations forwarded by the
TLS terminator and drives TOTP enrollment and challenges.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to TOML configuration file")
}

func loadConfig() (config.Config, error) {
	if cfgFile != "" {
		return config.Load(cfgFile)
	}
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
