// graphmat materializes JSON documents into a property graph.
//
// Every JSON object becomes a node keyed by a configurable id field,
// nested objects become typed relationships, and repeated ingestion of
// the same documents leaves the graph unchanged.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/Benny93/graphmat/cmd"
)

func main() {
	// Store credentials may come from a .env file; a missing file is fine.
	_ = godotenv.Load()

	cli := cmd.NewCLI()

	if err := cli.Execute(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
