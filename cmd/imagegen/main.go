package main

import (
	"fmt"
	"os"

	"github.com/psantana5/imagegen/cmd/imagegen/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
