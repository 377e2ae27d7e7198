package main

import (
	"os"

	"RiskGate/cmd/riskctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
