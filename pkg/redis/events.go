package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/canopy-network/chainheights/pkg/db/models"
)

const (
	channelPrefix = "chainheights:"
	channelSuffix = ":completed"

	// CompletedPattern matches every completion channel.
	CompletedPattern = channelPrefix + "*" + channelSuffix

	// TriggerStream carries manual round requests from the admin API to the checker.
	TriggerStream = "chainheights:triggers"
	// TriggerGroup is the consumer group of checker processes.
	TriggerGroup = "checker"
)

// CompletedChannel returns the channel for events of kind.
func CompletedChannel(kind models.EventKind) string {
	return channelPrefix + string(kind) + channelSuffix
}

// KindFromChannel extracts the event kind from a completion channel name.
func KindFromChannel(channel string) (models.EventKind, bool) {
	if !strings.HasPrefix(channel, channelPrefix) || !strings.HasSuffix(channel, channelSuffix) {
		return "", false
	}
	kind := strings.TrimSuffix(strings.TrimPrefix(channel, channelPrefix), channelSuffix)
	if kind == "" || strings.Contains(kind, ":") {
		return "", false
	}
	return models.EventKind(kind), true
}

// Notify publishes ev on its completion channel. Delivery is best effort.
func (c *Client) Notify(ctx context.Context, ev models.RunEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.Publish(ctx, CompletedChannel(ev.Kind), payload)
}

// Trigger is a manual request to run one entry point.
type Trigger struct {
	Kind        models.EventKind
	RequestedBy string
	RequestedAt time.Time
}

// EnqueueTrigger appends a trigger to TriggerStream.
func (c *Client) EnqueueTrigger(ctx context.Context, t Trigger) (string, error) {
	return c.XAdd(ctx, TriggerStream, map[string]any{
		"kind":         string(t.Kind),
		"requested_by": t.RequestedBy,
		"requested_at": t.RequestedAt.UTC().Format(time.RFC3339Nano),
	})
}

// ParseTrigger decodes a TriggerStream entry.
func ParseTrigger(msg Message) (Trigger, error) {
	t := Trigger{
		Kind:        models.EventKind(msg.String("kind")),
		RequestedBy: msg.String("requested_by"),
	}
	switch t.Kind {
	case models.EventHeightRound, models.EventPingRound, models.EventValidation:
	default:
		return Trigger{}, fmt.Errorf("trigger %s: unknown kind %q", msg.ID, t.Kind)
	}
	if at := msg.String("requested_at"); at != "" {
		parsed, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return Trigger{}, fmt.Errorf("trigger %s: requested_at: %w", msg.ID, err)
		}
		t.RequestedAt = parsed
	}
	return t, nil
}
