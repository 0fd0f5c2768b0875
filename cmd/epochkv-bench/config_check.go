package main

import (
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/pingcap-incubator/epochkv/kv/config"
	"github.com/spf13/cobra"
)

func newConfigCheckCommand() *cobra.Command {
	m := &cobra.Command{
		Use:   "config-check file",
		Short: "Validate a configuration file and print it with defaults filled in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := &config.Config{}
			if err := conf.LoadFile(args[0]); err != nil {
				return err
			}
			fmt.Printf("%s is valid\n", args[0])
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(conf)
		},
	}
	return m
}
