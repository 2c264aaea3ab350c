package cluster

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewOperationalLogger_WritesStructuredJSONLines(t *testing.T) {
	dir := t.TempDir()
	logger, closeLog := newOperationalLogger(dir)
	defer closeLog()

	logger.Info("node started", "node_id", "node-a", "listen", "127.0.0.1:7420")
	logger.Warn("peer delta fetch failed", "peer_id", "node-b", "error", "dial tcp: connection refused")

	data, err := os.ReadFile(filepath.Join(dir, "operational.log"))
	require.NoError(t, err)

	lines := splitNonEmptyLines(data)
	require.Len(t, lines, 2)

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.Equal(t, "node started", first["msg"])
	require.Equal(t, "node-a", first["node_id"])

	var second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	require.Equal(t, "WARN", second["level"])
	require.Equal(t, "node-b", second["peer_id"])
}

func splitNonEmptyLines(data []byte) []string {
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, string(data[start:i]))
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, string(data[start:]))
	}
	return lines
}
