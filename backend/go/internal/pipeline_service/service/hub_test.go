package service

import (
	"testing"

	"Storyloom/backend/go/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(sub *Subscription) []models.StreamEvent {
	var out []models.StreamEvent
	for ev := range sub.C {
		out = append(out, ev)
	}
	return out
}

func TestHub_ReplaysHistoryToLateSubscribers(t *testing.T) {
	h := NewHub(2)
	h.Publish(models.NewAgentStartEvent("p", models.AgentWriter))
	h.Publish(models.NewAgentStreamEvent("p", models.AgentWriter, "a"))
	h.Publish(models.NewAgentStreamEvent("p", models.AgentWriter, "b"))

	sub := h.Subscribe()
	h.Publish(models.NewAgentStreamEvent("p", models.AgentWriter, "c"))
	h.Close()

	events := collect(sub)
	require.Len(t, events, 3)
	assert.Equal(t, models.EventAgentStart, events[0].Type)
	assert.Equal(t, "b", events[1].Text)
	assert.Equal(t, "c", events[2].Text)
}

func TestHub_HistoryEvictsChunksBeforeLifecycleEvents(t *testing.T) {
	h := NewHub(4)
	h.Publish(models.NewPlanEvent("p", []models.PlanStep{{AgentType: models.AgentWriter}}))
	h.Publish(models.NewAgentStartEvent("p", models.AgentWriter))
	for _, chunk := range []string{"a", "b", "c", "d", "e"} {
		h.Publish(models.NewAgentStreamEvent("p", models.AgentWriter, chunk))
	}
	h.Publish(models.NewAgentStartEvent("p", models.AgentEditor))
	h.Publish(models.NewAgentStartEvent("p", models.AgentEditor))
	h.Close()

	var types []models.StreamEventType
	for _, ev := range collect(h.Subscribe()) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []models.StreamEventType{
		models.EventPipelinePlan,
		models.EventAgentStart,
		models.EventAgentStart,
		models.EventAgentStart,
	}, types)

	h2 := NewHub(2)
	h2.Publish(models.NewPlanEvent("p", nil))
	h2.Publish(models.NewAgentStartEvent("p", models.AgentWriter))
	h2.Publish(models.NewAgentStartEvent("p", models.AgentEditor))
	h2.Close()
	events := collect(h2.Subscribe())
	require.Len(t, events, 2)
	assert.Equal(t, models.EventPipelinePlan, events[0].Type)
	assert.Equal(t, models.AgentEditor, events[1].AgentType)
}

func TestHub_SubscribeAfterClose(t *testing.T) {
	h := NewHub(8)
	h.Publish(models.NewCompleteEvent("p", nil))
	h.Close()
	h.Publish(models.NewErrorEvent("p", "", "late"))

	events := collect(h.Subscribe())
	require.Len(t, events, 1)
	assert.Equal(t, models.EventPipelineComplete, events[0].Type)
	assert.True(t, h.Closed())
}

func TestHub_CancelDetaches(t *testing.T) {
	h := NewHub(0)
	sub := h.Subscribe()
	sub.Cancel()
	sub.Cancel()

	h.Publish(models.NewAgentStartEvent("p", models.AgentEditor))
	_, open := <-sub.C
	assert.False(t, open)
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	h := NewHub(0)
	dropped := 0
	h.onDrop = func() { dropped++ }
	slow := h.Subscribe()

	for i := 0; i <= subscriberBuffer; i++ {
		h.Publish(models.NewAgentStreamEvent("p", models.AgentWriter, "x"))
	}
	assert.Equal(t, 1, dropped)
	assert.Len(t, collect(slow), subscriberBuffer)
}
