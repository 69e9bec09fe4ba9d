package main

import (
	"os"

	"github.com/aaroniumii/dividemp4online/cmd/dividemp4/commands"
)

func main() {
	if err := commands.NewCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
