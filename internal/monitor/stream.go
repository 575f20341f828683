package monitor

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	// StreamName is the JetStream stream holding monitoring messages
	StreamName = "MONITOR"

	// SubjectSchedulerSnapshot carries periodic Snapshot payloads
	SubjectSchedulerSnapshot = "metrics.scheduler"

	// SubjectStuckExecution carries StuckExecutionAlert payloads
	SubjectStuckExecution = "alert.execution.stuck"
)

// EnsureStream creates the monitoring stream if it does not exist
func EnsureStream(js nats.JetStreamContext, logger *zap.Logger) error {
	_, err := js.StreamInfo(StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{"metrics.*", "alert.>"},
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  -1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	logger.Info("Created monitor stream", zap.String("name", StreamName))
	return nil
}
