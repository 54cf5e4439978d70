package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"Storyloom/backend/go/pkg/models"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestEventPublisher_KeysByPipeline(t *testing.T) {
	w := &recordingWriter{}
	pub := NewEventPublisher(w)

	require.NoError(t, pub.Publish(context.Background(), models.NewAgentStartEvent("pipe-1", models.AgentWriter)))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "pipe-1", string(msg.Key))
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "agent_start", string(msg.Headers[0].Value))

	var decoded models.StreamEvent
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, models.AgentWriter, decoded.AgentType)
}

func TestEventPublisher_WrapsWriteError(t *testing.T) {
	boom := errors.New("broker down")
	pub := NewEventPublisher(&recordingWriter{err: boom})

	err := pub.Publish(context.Background(), models.NewErrorEvent("pipe-1", "", "x"))
	assert.ErrorIs(t, err, boom)
}
