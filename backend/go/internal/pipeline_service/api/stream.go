package api

import (
	"net/http"

	"Storyloom/backend/go/internal/pipeline_service/service"
	"Storyloom/backend/go/pkg/eventstream"
	"Storyloom/backend/go/pkg/models"

	"github.com/gin-gonic/gin"
)

// serveEvents copies the pipeline's events onto the response until the pipeline ends or
// the client goes away. The sentinel is written only after the pipeline's last event; a
// subscriber dropped for falling behind sees the stream end without it.
func (a *API) serveEvents(c *gin.Context, p *service.Pipeline, cancelOnDisconnect bool) {
	sub := p.Events().Subscribe()
	defer sub.Cancel()
	a.metrics.SubscriberAdded()
	defer a.metrics.SubscriberRemoved()

	log := a.logger.WithField("pipeline_id", p.ID())
	eventstream.PrepareHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()

	stream := eventstream.New(c.Request.Context(), c.Writer, eventstream.WithHeartbeat(a.heartbeat))
	defer stream.Abort()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				if !p.Events().Closed() {
					log.Warn("Event subscriber fell behind, closing stream")
					return
				}
				if err := stream.Close(); err != nil {
					log.WithError(models.ErrorInfo{Message: err.Error(), Type: "stream_error"}).Warn("Failed to end event stream")
				}
				return
			}
			if err := stream.Send(ev); err != nil {
				a.clientGone(p, cancelOnDisconnect, err)
				return
			}
		case <-stream.Done():
			a.clientGone(p, cancelOnDisconnect, stream.Err())
			return
		}
	}
}

func (a *API) clientGone(p *service.Pipeline, cancelOnDisconnect bool, cause error) {
	entry := a.logger.WithField("pipeline_id", p.ID())
	if cause != nil {
		entry = entry.WithError(models.ErrorInfo{Message: cause.Error(), Type: "stream_error"})
	}
	if cancelOnDisconnect {
		p.RequestCancel()
		entry.Info("Stream client disconnected, pipeline cancel requested")
		return
	}
	entry.Info("Stream client disconnected")
}
