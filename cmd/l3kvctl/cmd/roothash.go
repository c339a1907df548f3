package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootHashCmd = &cobra.Command{
	Use:   "root-hash",
	Short: "print the node's current Merkle root hash",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reply, err := sendCommand(viper.GetString("addr"), "ROOT_HASH")
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	},
}
