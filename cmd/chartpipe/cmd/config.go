package cmd

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Resolve defaults, the optional YAML file, .env and the environment, validate
the result and print it as YAML, with the redis password masked.

Example:
  chartpipe config > chartpipe.yaml`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig("chartpipe")
	if err != nil {
		return err
	}
	out := *cfg
	if out.RedisPassword != "" {
		out.RedisPassword = "********"
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(&out)
}
