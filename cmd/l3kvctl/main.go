// Command l3kvctl is a small operator tool that talks to a running node's
// admin listener: dumping its Merkle root hash, listing the keys in a
// bucket, and forcing an immediate gossip round.
package main

import "github.com/l3kv/l3kv/cmd/l3kvctl/cmd"

func main() {
	cmd.Execute()
}
