package streaming

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/patentflow/orchestrator/internal/models"
)

func TestRedisMirrorAppends(t *testing.T) {
	mr := miniredis.RunT(t)

	mirror, err := NewRedisMirror(mr.Addr(), "", zaptest.NewLogger(t))
	require.NoError(t, err)
	defer mirror.Close()

	b := NewBus(16, zaptest.NewLogger(t))
	b.AttachMirror(mirror)

	b.Publish(models.StatusEvent{
		WorkflowID: "wf-1",
		Type:       models.EventStageStatus,
		Stage:      models.StagePlanning,
		OldStatus:  models.StatusPending,
		NewStatus:  models.StatusRunning,
		Timestamp:  time.Now(),
	})

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	var entries []redis.XMessage
	require.Eventually(t, func() bool {
		res, err := client.XRange(context.Background(), streamKeyPrefix+"wf-1", "-", "+").Result()
		if err != nil || len(res) == 0 {
			return false
		}
		entries = res
		return true
	}, 2*time.Second, 10*time.Millisecond)

	require.Len(t, entries, 1)
	raw, ok := entries[0].Values["event"].(string)
	require.True(t, ok)

	var evt models.StatusEvent
	require.NoError(t, json.Unmarshal([]byte(raw), &evt))
	assert.Equal(t, "wf-1", evt.WorkflowID)
	assert.Equal(t, models.StagePlanning, evt.Stage)
	assert.Equal(t, models.StatusRunning, evt.NewStatus)
	assert.Equal(t, uint64(1), evt.Seq)
}

func TestRedisMirrorConnectFailure(t *testing.T) {
	_, err := NewRedisMirror("127.0.0.1:1", "", zaptest.NewLogger(t))
	assert.Error(t, err)
}
