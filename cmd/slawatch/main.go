package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"slawatch/internal/app"
	"slawatch/internal/clock"
	"slawatch/internal/config"

	"github.com/joho/godotenv"
)

// main starts the SLA monitoring service using file or directory config.
// Params: CLI flags (--config-file or --config-dir, --once for one run).
// Returns: process exit code by startup/run result; in once mode the exit
// code is 3 when the run detected critical violations.
func main() {
	var (
		configFile = flag.String("config-file", "", "path to one TOML config file")
		configDir  = flag.String("config-dir", "", "path to directory with TOML config fragments")
		runOnce    = flag.Bool("once", false, "execute one monitoring run and exit")
	)
	flag.Parse()

	// Secrets referenced via ${VAR} in config may live in a local .env.
	_ = godotenv.Load()

	source, err := config.FromCLI(*configFile, *configDir)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(2)
	}

	service, err := app.NewService(source, clock.RealClock{})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service init failed:", err.Error())
		os.Exit(1)
	}

	if *runOnce {
		report, err := service.RunOnce(context.Background())
		if err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "run failed:", err.Error())
			os.Exit(1)
		}
		if report.Criticals > 0 {
			os.Exit(3)
		}
		return
	}

	if err := service.Run(context.Background()); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "service run failed:", err.Error())
		os.Exit(1)
	}
}
