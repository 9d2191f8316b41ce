package main

import (
	"os"

	"github.com/hkcontrol/querytap/cmd/querytap/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
