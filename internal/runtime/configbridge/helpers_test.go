package configbridge

import (
	"encoding/json"
	"testing"

	"github.com/drblury/framebridge/internal/runtime/protocol"
)

func snapshotOf(t *testing.T, data string, paths ...string) protocol.Snapshot {
	t.Helper()
	return protocol.Snapshot{Data: json.RawMessage(data), FunctionPaths: paths}
}
