package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RootCmd is the base command when l3kvctl is called without a subcommand.
var RootCmd = &cobra.Command{
	Use:   "l3kvctl",
	Short: "operator tool for an l3kv node's admin listener",
	Long: `l3kvctl connects to a running l3kv node's admin listener to inspect its
Merkle root hash, list the keys in a bucket, or force an immediate gossip
round against a peer.`,
}

func init() {
	RootCmd.PersistentFlags().String("addr", "127.0.0.1:7421", "address of the node's admin listener")
	viper.BindPFlag("addr", RootCmd.PersistentFlags().Lookup("addr"))

	viper.SetEnvPrefix("l3kvctl")
	viper.AutomaticEnv()

	RootCmd.AddCommand(rootHashCmd)
	RootCmd.AddCommand(bucketKeysCmd)
	RootCmd.AddCommand(gossipCmd)
}

// Execute runs the root command. Called by main.main.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
