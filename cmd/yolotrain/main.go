package main

import (
	"os"

	"github.com/psantana5/yolotrain/cmd/yolotrain/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
