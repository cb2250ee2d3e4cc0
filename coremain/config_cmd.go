package coremain

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd() *cobra.Command {
	var cfgFile string
	c := &cobra.Command{
		Use:   "config [-c config_file]",
		Short: "Print the effective config, includes and environment overrides applied.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadFullConfig(cfgFile)
			if err != nil {
				return err
			}
			cfg.Include = nil
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&cfgFile, "config", "c", "", "config file")
	return c
}
