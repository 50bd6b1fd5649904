package main

import (
	"os"

	"github.com/davidroman0O/netdoc/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
