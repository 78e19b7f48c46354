package main

import (
	"log/slog"

	"github.com/BioHazard786/huddle/cmd"
	"github.com/BioHazard786/huddle/internal/logging"
)

func main() {
	// Quiet by default so log lines do not tear through the roster.
	logging.Init(slog.LevelError)
	cmd.Execute()
}
