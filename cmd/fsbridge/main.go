package main

import (
	"fmt"
	"os"

	"github.com/felixgeelhaar/fsbridge/cmd/fsbridge/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fsbridge:", err)
		os.Exit(1)
	}
}
