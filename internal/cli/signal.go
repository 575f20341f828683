package cli

import (
	"context"

	"github.com/t77yq/rulewatch/internal/clock"
	"github.com/t77yq/rulewatch/internal/events"
	"github.com/t77yq/rulewatch/internal/model"
)

// ruleChangeSignal stands in for the scheduler in commands that do not
// serve. Rule mutations are announced on NATS when it is connected; the
// serving process also polls the store, so a nil forwarder is a no-op.
type ruleChangeSignal struct {
	forwarder *events.NATSForwarder
	clock     clock.Clock
}

func (s ruleChangeSignal) ReinitializeCrons(ctx context.Context) error {
	if s.forwarder == nil {
		return nil
	}
	return s.forwarder.PublishRuleChanged(model.RuleChangedEvent{Timestamp: s.clock.Now()})
}

func (s ruleChangeSignal) Cancel(string) {}
