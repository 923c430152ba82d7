package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Richard1990h/KING-V3-sub001/internal/middleware"
	"github.com/Richard1990h/KING-V3-sub001/internal/pipeline"
)

// SubmitPipeline queues a pipeline job and returns at once. Progress is
// polled from /jobs/:id or streamed from /jobs/:id/events.
func (s *Server) SubmitPipeline(c *gin.Context) {
	var req pipeline.PipelineRequest
	if err := bindJSON(c, &req); err != nil {
		s.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	job, err := s.orch.NewPipelineJob(ctx, middleware.UserID(c), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	jobID, err := s.queue.Enqueue(ctx, job)
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.Header("Location", fmt.Sprintf("/api/v1/jobs/%s", jobID))
	c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": "queued"})
}

// RunPipeline runs the pipeline within the request. A client disconnect
// cancels the job.
func (s *Server) RunPipeline(c *gin.Context) {
	var req pipeline.PipelineRequest
	if err := bindJSON(c, &req); err != nil {
		s.respondError(c, err)
		return
	}
	result, err := s.orch.ExecutePipeline(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
