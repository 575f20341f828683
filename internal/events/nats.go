package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/rulewatch/internal/model"
)

const (
	// StreamName is the JetStream stream holding rule events
	StreamName = "RULE_EVENTS"

	// SubjectExecutionCompleted carries ExecutionCompletedEvent payloads
	SubjectExecutionCompleted = "rule.execution.completed"

	// SubjectRuleChanged carries RuleChangedEvent payloads
	SubjectRuleChanged = "rule.changed"

	streamSubjects = "rule.>"
	streamMaxAge   = 24 * time.Hour
)

// NATSForwarder publishes bus events to JetStream and lets remote consumers subscribe to them
type NATSForwarder struct {
	js     nats.JetStreamContext
	logger *zap.Logger
}

// NewNATSForwarder creates a forwarder
func NewNATSForwarder(js nats.JetStreamContext, logger *zap.Logger) *NATSForwarder {
	return &NATSForwarder{
		js:     js,
		logger: logger.Named("nats-events"),
	}
}

// EnsureStream creates the event stream if it does not exist
func (f *NATSForwarder) EnsureStream() error {
	_, err := f.js.StreamInfo(StreamName)
	if err == nil {
		f.logger.Info("Using existing event stream", zap.String("name", StreamName))
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to get stream info: %w", err)
	}

	_, err = f.js.AddStream(&nats.StreamConfig{
		Name:     StreamName,
		Subjects: []string{streamSubjects},
		Storage:  nats.FileStorage,
		MaxAge:   streamMaxAge,
		MaxMsgs:  -1,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	f.logger.Info("Created event stream", zap.String("name", StreamName))
	return nil
}

// Attach subscribes the forwarder to the bus and returns the unsubscribe function
func (f *NATSForwarder) Attach(bus *Bus) func() {
	return bus.Subscribe(func(event model.ExecutionCompletedEvent) {
		if err := f.Publish(event); err != nil {
			f.logger.Warn("Failed to forward event",
				zap.String("execution_id", event.ExecutionID),
				zap.Error(err))
		}
	})
}

// Publish sends one event to JetStream. The execution ID doubles as the
// message ID so redeliveries are deduplicated by the stream.
func (f *NATSForwarder) Publish(event model.ExecutionCompletedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if _, err := f.js.Publish(SubjectExecutionCompleted, data, nats.MsgId(event.ExecutionID)); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	f.logger.Debug("Event published",
		zap.String("rule_id", event.RuleID),
		zap.String("execution_id", event.ExecutionID))
	return nil
}

// PublishRuleChanged announces a rule mutation to running schedulers
func (f *NATSForwarder) PublishRuleChanged(event model.RuleChangedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := f.js.Publish(SubjectRuleChanged, data); err != nil {
		return fmt.Errorf("failed to publish rule change: %w", err)
	}
	return nil
}

// SubscribeRuleChanged delivers rule changes published after the call to handler until ctx is done
func (f *NATSForwarder) SubscribeRuleChanged(ctx context.Context, handler func(model.RuleChangedEvent)) error {
	return subscribe(ctx, f, SubjectRuleChanged, handler)
}

// Subscribe delivers events published after the call to handler until ctx is done
func (f *NATSForwarder) Subscribe(ctx context.Context, handler func(model.ExecutionCompletedEvent)) error {
	return subscribe(ctx, f, SubjectExecutionCompleted, handler)
}

func subscribe[T any](ctx context.Context, f *NATSForwarder, subject string, handler func(T)) error {
	sub, err := f.js.Subscribe(subject, func(msg *nats.Msg) {
		var event T
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			f.logger.Error("Failed to unmarshal event",
				zap.String("subject", subject),
				zap.Error(err))
			msg.Term()
			return
		}

		handler(event)
		msg.Ack()
	}, nats.DeliverNew(), nats.ManualAck())
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		sub.Unsubscribe()
	}()

	return nil
}
