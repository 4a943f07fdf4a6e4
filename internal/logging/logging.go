// Package logging configures the process-wide zerolog logger and hands out
// component-scoped child loggers.
package logging

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger. When interactive is true it
// writes human-readable console output; otherwise it writes plain JSON,
// suited to log collection in a service deployment.
func Setup(levelName string, interactive bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if interactive {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		return
	}
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Component returns a logger scoped to a named subsystem, e.g. "gossip-push"
// or "repair". Every background loop and request handler logs through one
// of these rather than the bare global logger.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}

// ForNode returns a component logger additionally scoped to a node id, for
// use in tests that construct several simulated nodes in one process.
func ForNode(name, nodeID string) zerolog.Logger {
	return log.With().Str("component", name).Str("node_id", nodeID).Logger()
}
