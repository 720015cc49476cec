package main

import (
	"os"

	"github.com/wine-lab/ovs-tsn/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
