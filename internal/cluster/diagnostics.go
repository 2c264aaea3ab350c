package cluster

import (
	"log/slog"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// newOperationalLogger builds a structured, rotating log for human-facing
// runtime diagnostics (node start/stop, sync summaries, peer delta-fetch
// and apply failures). Election role transitions are not logged here.
// This is deliberately separate from durable.Store's raft-log.ndjson: that
// log is a replayed, never-truncated record of committed state; this one is
// an operator-facing tail that is safe to rotate and eventually lose.
func newOperationalLogger(clusterDir string) (*slog.Logger, func() error) {
	writer := &lumberjack.Logger{
		Filename:   filepath.Join(clusterDir, "operational.log"),
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler), writer.Close
}
