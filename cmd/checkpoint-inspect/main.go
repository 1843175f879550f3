// Command checkpoint-inspect prints a checkpoint's header metadata,
// adapted from the teacher's cmd/daily-stats read-only reporting CLI.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/diffstock/coreengine/internal/checkpoint"
	"github.com/diffstock/coreengine/internal/diffusion"
)

func main() {
	path := flag.String("path", "", "path to checkpoint file")
	flag.Parse()

	if *path == "" {
		fmt.Fprintln(os.Stderr, "usage: checkpoint-inspect -path=<checkpoint file>")
		os.Exit(1)
	}

	header, err := checkpoint.LoadHeader(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read checkpoint: %v\n", err)
		os.Exit(1)
	}

	var diffCfg diffusion.DiffusionConfig
	if err := json.Unmarshal(header.DiffusionConfigJSON, &diffCfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse diffusion config: %v\n", err)
		os.Exit(1)
	}
	var symbols []string
	if err := json.Unmarshal(header.AssetRegistryJSON, &symbols); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse asset registry: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("checkpoint: %s\n", *path)
	fmt.Printf("  epoch:              %d\n", header.Epoch)
	fmt.Printf("  best_val_loss:      %.6f\n", header.BestValLoss)
	fmt.Printf("  posterior_variance: %s\n", header.PosteriorVariance)
	fmt.Printf("  symbols (%d):        %v\n", len(symbols), symbols)
	fmt.Printf("  diffusion config:\n")
	fmt.Printf("    num_steps:      %d\n", diffCfg.NumSteps)
	fmt.Printf("    schedule:       %s\n", diffCfg.Schedule)
	fmt.Printf("    context_len:    %d\n", diffCfg.ContextLen)
	fmt.Printf("    horizon_len:    %d\n", diffCfg.HorizonLen)
	fmt.Printf("    hidden_dim:     %d\n", diffCfg.HiddenDim)
	fmt.Printf("    channels:       %d\n", diffCfg.Channels)
	fmt.Printf("    dilation_depth: %d\n", diffCfg.DilationDepth)

	schema := diffusion.Schema(diffCfg, len(symbols))
	if _, _, err := checkpoint.Load(*path, schema); err != nil {
		fmt.Printf("  parameter validation: FAILED (%v)\n", err)
		os.Exit(1)
	}
	fmt.Printf("  parameter validation: ok (%d tensors)\n", len(schema))
}
