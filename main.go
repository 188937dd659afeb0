package main

import (
	"fmt"
	"os"

	"wikimetrics.dev/usermetrics/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
