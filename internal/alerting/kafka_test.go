package alerting

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelfleet/modelfleet/internal/models"
)

func TestNewKafkaPublisherValidation(t *testing.T) {
	_, err := NewKafkaPublisher(KafkaConfig{Topic: "modelfleet.alerts"})
	assert.Error(t, err)

	_, err = NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	p, err := NewKafkaPublisher(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "modelfleet.alerts"})
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}

func TestNilPublisherIsSafe(t *testing.T) {
	var p *KafkaPublisher
	assert.NoError(t, p.PublishAlert(context.Background(), models.AlertEvent{}))
	assert.NoError(t, p.PublishRollback(context.Background(), models.RollbackRecord{}))
	assert.NoError(t, p.Close())
}

func TestEnvelopeShape(t *testing.T) {
	ev := models.AlertEvent{ArtifactName: "summarizer", Version: "1.1.0", MetricName: models.MetricErrorRate}
	b, err := json.Marshal(Envelope{Kind: KindAlert, Alert: &ev})
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, "alert", decoded["kind"])
	assert.Contains(t, decoded, "alert")
	assert.NotContains(t, decoded, "rollback")
}
