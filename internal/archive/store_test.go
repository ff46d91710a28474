package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nxtg-ai/forge-pool/internal/task"
	"github.com/nxtg-ai/forge-pool/internal/worker"
)

// The pool holds a nil *Store when no DSN is configured; every operation must
// be a safe no-op.
func TestNilStoreIsNoOp(t *testing.T) {
	var s *Store

	tk := task.New(task.KindShell, "true")
	require.NoError(t, s.RecordTask(tk, task.StatusCompleted, "worker-1", nil, "", time.Second))
	require.NoError(t, s.RecordWorker(worker.Snapshot{ID: "worker-1"}, "shutdown"))
	require.NoError(t, s.Sweep(time.Hour))

	records, total, err := s.ListTasks(10, 0)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Zero(t, total)
}
