package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var gossipCmd = &cobra.Command{
	Use:   "gossip",
	Short: "force an immediate gossip round against a random peer",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := sendCommand(viper.GetString("addr"), "GOSSIP")
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	},
}
