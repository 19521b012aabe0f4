package main

import (
	"os"

	"syncshell/cmd/syncshell/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
