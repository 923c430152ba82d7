package api

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
	"github.com/Richard1990h/KING-V3-sub001/internal/jobs"
	"github.com/Richard1990h/KING-V3-sub001/internal/middleware"
	"github.com/Richard1990h/KING-V3-sub001/internal/websocket"
)

// endsFeed reports whether ev closes a job's event feed. A credit pause
// does not: the job may resume on the same feed.
func endsFeed(ev jobs.ProgressEvent) bool {
	switch ev.Type {
	case jobs.EventJobCompleted, jobs.EventJobFailed, jobs.EventJobCancelled:
		return true
	}
	return false
}

// feed replays the persisted events after `after` and then forwards live
// ones in sequence order until the job finishes or ctx ends. Gaps left by
// dropped live deliveries, or by a run in another process, are filled from
// the event log.
func (s *Server) feed(ctx context.Context, job *jobs.Job, after int64) <-chan jobs.ProgressEvent {
	live, unsubscribe := s.orch.Broadcaster().Subscribe(job.ID, 64)
	out := make(chan jobs.ProgressEvent, 16)
	logger := s.logger.With(zap.String("job_id", job.ID))

	go func() {
		defer close(out)
		defer unsubscribe()

		last := after
		// send reports false once the feed should stop
		send := func(ev jobs.ProgressEvent) bool {
			if ev.Seq <= last {
				return true
			}
			select {
			case out <- ev:
				last = ev.Seq
				return !endsFeed(ev)
			case <-ctx.Done():
				return false
			}
		}
		catchUp := func() bool {
			replay, err := s.events.After(ctx, job.ID, last)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("replay events", zap.Int64("after", last), zap.Error(err))
				}
				return ctx.Err() == nil
			}
			for _, ev := range replay {
				if !send(ev) {
					return false
				}
			}
			return true
		}

		if !catchUp() || job.Status.IsTerminal() {
			return
		}

		ticker := time.NewTicker(s.feedPoll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-live:
				if !ok {
					return
				}
				if ev.Seq > last+1 && !catchUp() {
					return
				}
				if !send(ev) {
					return
				}
			case <-ticker.C:
				if !catchUp() {
					return
				}
			}
		}
	}()
	return out
}

// streamSSE writes events as server-sent events until the channel closes
// or the client goes away. Idle periods get a comment line so proxies keep
// the connection open.
func (s *Server) streamSSE(c *gin.Context, events <-chan jobs.ProgressEvent) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	keepalive := time.NewTicker(s.keepalive)
	defer keepalive.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case ev, ok := <-events:
			if !ok {
				return false
			}
			c.Render(-1, sse.Event{
				Id:    strconv.FormatInt(ev.Seq, 10),
				Event: string(ev.Type),
				Data:  ev,
			})
			return true
		case <-keepalive.C:
			_, err := fmt.Fprint(w, ": keepalive\n\n")
			return err == nil
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// afterSeq reads the replay position from ?after= or Last-Event-ID
func afterSeq(c *gin.Context) (int64, error) {
	raw := c.Query("after")
	if raw == "" {
		raw = c.GetHeader("Last-Event-ID")
	}
	if raw == "" {
		return 0, nil
	}
	after, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		return 0, apperr.Input("after must be a non-negative event sequence number")
	}
	return after, nil
}

// StreamEvents replays a job's events after ?after= and then streams live
// ones over SSE. Delivery is at least once.
func (s *Server) StreamEvents(c *gin.Context) {
	after, err := afterSeq(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	job, err := s.queue.GetJob(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.streamSSE(c, s.feed(c.Request.Context(), job, after))
}

// StreamWebSocket is the WebSocket form of StreamEvents
func (s *Server) StreamWebSocket(c *gin.Context) {
	after, err := afterSeq(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	job, err := s.queue.GetJob(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// the upgrader has already written the response
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	websocket.NewClient(conn, job.ID, s.logger).Serve(ctx, s.feed(ctx, job, after))
}
