package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"Storyloom/backend/go/pkg/eventstream"
	"Storyloom/backend/go/pkg/models"
)

// errStreamCut is returned when the connection ends before the pipeline's last event.
var errStreamCut = errors.New("stream ended before the pipeline finished")

// renderer prints pipeline events for a terminal. Agent text is printed as it arrives.
type renderer struct {
	out       io.Writer
	midLine   bool
	lastError string
}

func (r *renderer) endLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

func (r *renderer) render(ev models.StreamEvent) {
	if ev.Type != models.EventAgentStream {
		r.endLine()
	}
	switch ev.Type {
	case models.EventPipelinePlan:
		fmt.Fprintf(r.out, "Plan (%d steps):\n", len(ev.Plan))
		for i, step := range ev.Plan {
			fmt.Fprintf(r.out, "  %d. %s: %s\n", i+1, step.AgentType, step.Description)
		}
	case models.EventAgentStart:
		fmt.Fprintf(r.out, "==> %s\n", ev.AgentType)
	case models.EventAgentStream:
		fmt.Fprint(r.out, ev.Text)
		if ev.Text != "" {
			r.midLine = !strings.HasSuffix(ev.Text, "\n")
		}
	case models.EventAgentComplete:
		in, out := 0, 0
		if ev.Output != nil {
			in, out = ev.Output.TokenUsage.Input, ev.Output.TokenUsage.Output
		}
		fmt.Fprintf(r.out, "<== %s done (%d in / %d out tokens)\n", ev.AgentType, in, out)
	case models.EventPipelinePaused:
		fmt.Fprintf(r.out, "-- paused: %s\n", ev.Message)
	case models.EventPipelineResumed:
		fmt.Fprintln(r.out, "-- resumed")
	case models.EventPipelineCancelled:
		fmt.Fprintf(r.out, "-- cancelled: %s\n", ev.Message)
	case models.EventPipelineComplete:
		fmt.Fprintf(r.out, "Pipeline complete, %d agent outputs.\n", len(ev.Outputs))
	case models.EventError:
		r.lastError = ev.Message
		if ev.AgentType != "" {
			fmt.Fprintf(r.out, "!! %s failed: %s\n", ev.AgentType, ev.Message)
		} else {
			fmt.Fprintf(r.out, "!! pipeline failed: %s\n", ev.Message)
		}
	}
}

// renderStream prints every event read from body. It fails when the pipeline failed or
// the stream was cut short.
func renderStream(out io.Writer, body io.Reader) error {
	dec := eventstream.NewDecoder(body)
	r := &renderer{out: out}
	for {
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.endLine()
			return err
		}
		r.render(ev)
	}
	r.endLine()
	if !dec.Finished() {
		return errStreamCut
	}
	if r.lastError != "" {
		return fmt.Errorf("pipeline failed: %s", r.lastError)
	}
	return nil
}

// consumeQuietly waits for the end of the stream and prints only the outcome.
func consumeQuietly(out io.Writer, body io.Reader) error {
	var failure string
	completed := false
	err := eventstream.Consume(body, eventstream.Handlers{
		OnComplete: func(outputs []models.AgentOutput) {
			completed = true
			for _, o := range outputs {
				fmt.Fprintf(out, "%-20s %6d chars\n", o.AgentType, len([]rune(o.Content)))
			}
		},
		OnError: func(message string) { failure = message },
	})
	if err != nil {
		return err
	}
	if failure != "" {
		return fmt.Errorf("pipeline failed: %s", failure)
	}
	if !completed {
		return errors.New("pipeline ended without completing")
	}
	return nil
}
