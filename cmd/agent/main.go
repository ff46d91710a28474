package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/nxtg-ai/forge-pool/internal/agent"
	"github.com/nxtg-ai/forge-pool/internal/executor"
)

func main() {
	workDir := flag.String("workdir", ".", "working directory for task execution")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "heartbeat interval")
	flag.Parse()

	// Stdout belongs to the message protocol; diagnostics go to stderr.
	log.SetOutput(os.Stderr)
	log.SetPrefix("agent ")

	exec, err := executor.New(*workDir)
	if err != nil {
		log.Fatalf("Failed to prepare working directory: %v", err)
	}

	a := agent.New(os.Stdin, os.Stdout, exec, *heartbeat)
	if err := a.Run(context.Background()); err != nil {
		log.Fatalf("Agent loop failed: %v", err)
	}
}
