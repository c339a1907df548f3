package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var bucketKeysCmd = &cobra.Command{
	Use:   "bucket-keys [bucket]",
	Short: "list the keys the node currently holds in a Merkle leaf bucket",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := strconv.ParseUint(args[0], 10, 16); err != nil {
			return fmt.Errorf("bucket must be a number in [0, 65535]: %w", err)
		}
		reply, err := sendCommand(viper.GetString("addr"), "BUCKET_KEYS "+args[0])
		if err != nil {
			return err
		}
		fmt.Println(reply)
		return nil
	},
}
