package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
	v       = viper.New()
	log     *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "gpumemctl",
	Short: "Drive the gpumem sub-allocation core against an in-memory fake device",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		log, err = zap.NewDevelopment()
		if err != nil {
			return fmt.Errorf("gpumemctl: building logger: %w", err)
		}

		if cfgFile != "" {
			v.SetConfigFile(cfgFile)
			if err := v.ReadInConfig(); err != nil {
				return fmt.Errorf("gpumemctl: reading config %s: %w", cfgFile, err)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML/TOML/JSON config file (optional)")
	v.SetEnvPrefix("GPUMEM")
	v.AutomaticEnv()
}
