package main

import (
	"fmt"
	"os"

	"quiz-arena-gateway/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "arena-gateway:", err)
		os.Exit(1)
	}
}
