package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/zurustar/callcore/internal/server"
)

func main() {
	configFile := pflag.StringP("config", "c", "config.yaml", "Configuration file path")
	pflag.Parse()

	core, err := server.New(server.Options{ConfigPath: *configFile})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start: %v\n", err)
		os.Exit(1)
	}

	// Run until SIGINT or SIGTERM
	if err := core.RunWithSignalHandling(); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}
