// Command reset-paper deletes the persisted paper-trading strategy file,
// adapted from the teacher's cmd/clear-trades safety-gated reset tool.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/diffstock/coreengine/internal/appconfig"
)

func main() {
	configPath := flag.String("config", "config/config.json", "path to config file")
	confirm := flag.Bool("confirm", false, "confirm deletion (must be explicit)")
	flag.Parse()

	cfg, err := appconfig.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if !*confirm {
		fmt.Println("Safety check: must confirm deletion")
		fmt.Println()
		fmt.Printf("This will delete the paper strategy file at: %s\n", cfg.Paths.StrategyFile)
		fmt.Println("All accumulated cash, holdings, and trade history will be lost.")
		fmt.Println()
		fmt.Println("To proceed, run:")
		fmt.Println("  reset-paper --confirm")
		os.Exit(0)
	}

	if _, err := os.Stat(cfg.Paths.StrategyFile); os.IsNotExist(err) {
		fmt.Printf("no strategy file at %s, nothing to do\n", cfg.Paths.StrategyFile)
		return
	}

	if err := os.Remove(cfg.Paths.StrategyFile); err != nil {
		fmt.Fprintf(os.Stderr, "failed to delete strategy file: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("deleted %s\n", cfg.Paths.StrategyFile)
	fmt.Println("the paper engine will start fresh on its next Start call")
}
