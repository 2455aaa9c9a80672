package main

import (
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nomix/foxy/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(redact(cfg))
		if err != nil {
			return err
		}
		cmd.Print(string(out))
		return nil
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Print the config file location",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dir := configDir
		if dir == "" {
			d, err := config.Dir()
			if err != nil {
				return err
			}
			dir = d
		}
		cmd.Println(filepath.Join(dir, "config.yaml"))
		return nil
	},
}

func redact(cfg *config.Config) *config.Config {
	c := *cfg
	if c.Remote.APIKey != "" {
		c.Remote.APIKey = "********"
	}
	if c.News.APIKey != "" {
		c.News.APIKey = "********"
	}
	return &c
}
