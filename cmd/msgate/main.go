package main

import (
	"os"

	"msgate/cmd/msgate/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
