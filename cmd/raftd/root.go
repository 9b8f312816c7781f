// Package main implements raftd, the reference daemon that hosts one or
// more raft.Consensus groups behind a transport/rpcgob.Server. It is a
// github.com/spf13/cobra command tree bound to github.com/spf13/viper:
// persistent flags bound to viper keys, a config file plus environment
// fallback.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "raftd",
	Short: "raftd hosts raft.Consensus groups over a gRPC peer transport",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./raftd.yaml)")
	rootCmd.AddCommand(serveCmd)
}

// initConfig applies config-file-then-environment precedence: a named
// config file first, RAFTD_-prefixed environment variables as overrides.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("raftd")
	}
	viper.SetEnvPrefix("raftd")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "using config file:", viper.ConfigFileUsed())
	}
}
