package main

import (
	"os"

	"github.com/solatis/l7plane/cmd/l7plane/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
