// accessd is the HTTP service that stores uploaded resources and runs
// analysis jobs over them.
package main

import (
	"log/slog"
	"os"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := NewRootCommand().Execute(); err != nil {
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}
