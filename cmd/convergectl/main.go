// Package main implements convergectl, the operator client of the
// coordinator's admin API.
//
// Example usage:
//
//	convergectl cluster add TestCluster
//	convergectl instance add TestCluster localhost:12918
//	convergectl resource add TestCluster TestDB0 --partitions 20 --replicas 3
//	convergectl rebalance TestCluster TestDB0 3
//	convergectl verify TestCluster
//	convergectl listeners TestCluster
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
