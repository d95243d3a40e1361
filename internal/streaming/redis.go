package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/patentflow/orchestrator/internal/models"
)

const (
	streamKeyPrefix = "patentflow:events:"
	streamMaxLen    = 1000
	mirrorQueueSize = 1024
	appendTimeout   = 2 * time.Second
)

// RedisMirror copies bus events into per-workflow Redis Streams so
// external consumers can tail them. Strictly best-effort: the in-memory
// bus stays the source of truth and mirror failures are only logged.
type RedisMirror struct {
	client *redis.Client
	queue  chan models.StatusEvent
	done   chan struct{}
	logger *zap.Logger
}

// NewRedisMirror connects to Redis and starts the append worker.
func NewRedisMirror(addr, password string, logger *zap.Logger) (*RedisMirror, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	m := &RedisMirror{
		client: client,
		queue:  make(chan models.StatusEvent, mirrorQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go m.run()
	return m, nil
}

// Append enqueues an event for mirroring; drops when the queue is full.
func (m *RedisMirror) Append(evt models.StatusEvent) {
	select {
	case m.queue <- evt:
	default:
		m.logger.Debug("Redis mirror queue full, dropping event",
			zap.String("workflow_id", evt.WorkflowID),
			zap.Uint64("seq", evt.Seq),
		)
	}
}

func (m *RedisMirror) run() {
	for {
		select {
		case <-m.done:
			return
		case evt := <-m.queue:
			m.append(evt)
		}
	}
}

func (m *RedisMirror) append(evt models.StatusEvent) {
	raw, err := json.Marshal(evt)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	err = m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKeyPrefix + evt.WorkflowID,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"event": string(raw),
			"type":  evt.Type,
			"seq":   evt.Seq,
		},
	}).Err()
	if err != nil {
		m.logger.Warn("Redis mirror append failed",
			zap.String("workflow_id", evt.WorkflowID),
			zap.Error(err),
		)
	}
}

// Close stops the worker and closes the client.
func (m *RedisMirror) Close() error {
	close(m.done)
	return m.client.Close()
}
