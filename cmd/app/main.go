package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"FeatPull/internal/di"
	"FeatPull/pkg/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "config file path")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "featpull:", err)
		os.Exit(1)
	}
}

// run returns instead of exiting so deferred cleanup closes stores and
// producers.
func run(configPath string) error {
	cfg, err := config.LoadWithEnv(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	app, cleanup, err := di.InitializeApp(cfg)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer cleanup()

	return app.Run(context.Background())
}
