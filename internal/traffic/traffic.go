// Package traffic pushes serving splits to the routing fabric. The engine
// owns the authoritative split in memory; publishers mirror it outward so
// routers and dashboards can follow along.
package traffic

import (
	"context"
	"fmt"
	"time"

	"github.com/modelfleet/modelfleet/internal/models"
)

// Publisher mirrors a serving split after every change. Implementations must
// replace the previous split wholesale; stale versions must not linger.
type Publisher interface {
	PublishSplit(ctx context.Context, artifact string, split models.TrafficSplit) error
}

// Event is the JSON payload announced on the traffic events channel.
type Event struct {
	ArtifactName string              `json:"artifactName"`
	Split        models.TrafficSplit `json:"split"`
	PublishedAt  time.Time           `json:"publishedAt"`
}

// SplitKey returns the Redis key holding an artifact's serving split.
// Pattern: modelfleet:traffic:{artifact}
func SplitKey(artifact string) string {
	return fmt.Sprintf("modelfleet:traffic:%s", artifact)
}

// EventsChannel returns the Pub/Sub channel for split change events.
func EventsChannel() string {
	return "modelfleet:traffic_events"
}

// NopPublisher discards splits. Used when no Redis address is configured.
type NopPublisher struct{}

func (NopPublisher) PublishSplit(context.Context, string, models.TrafficSplit) error {
	return nil
}
