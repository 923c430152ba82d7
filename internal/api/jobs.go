package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Richard1990h/KING-V3-sub001/internal/middleware"
	"github.com/Richard1990h/KING-V3-sub001/internal/pipeline"
	"github.com/Richard1990h/KING-V3-sub001/internal/queue"
)

type approveRequest struct {
	Tasks []pipeline.ApprovedTask `json:"tasks"`
}

type continueRequest struct {
	Approved *bool `json:"approved" binding:"required"`
}

// CreateJob plans a new interactive job and returns it awaiting approval
func (s *Server) CreateJob(c *gin.Context) {
	var req pipeline.CreateJobRequest
	if err := bindJSON(c, &req); err != nil {
		s.respondError(c, err)
		return
	}
	job, err := s.orch.CreateJob(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

// ListJobs returns the caller's jobs, newest first
func (s *Server) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := s.queue.GetUserJobs(c.Request.Context(), middleware.UserID(c), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list, "count": len(list)})
}

// GetJob is the polling surface
func (s *Server) GetJob(c *gin.Context) {
	job, err := s.queue.GetJob(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// GetJobResult returns the artifact bundle of a finished job, or 202 while
// it is still processing
func (s *Server) GetJobResult(c *gin.Context) {
	job, err := s.queue.GetJobResult(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	switch {
	case errors.Is(err, queue.ErrNotReady):
		c.JSON(http.StatusAccepted, gin.H{
			"job_id":     job.ID,
			"status":     "processing",
			"job_status": job.Status,
		})
		return
	case err != nil:
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":       job.ID,
		"status":       job.Status,
		"error":        job.Error,
		"credits_used": job.CreditsUsed,
		"result":       job.Result,
	})
}

// ApproveJob approves the plan. The body may replace the pending tasks.
func (s *Server) ApproveJob(c *gin.Context) {
	var req approveRequest
	if c.Request.ContentLength != 0 {
		if err := bindJSON(c, &req); err != nil {
			s.respondError(c, err)
			return
		}
	}
	job, err := s.orch.ApproveJob(c.Request.Context(), c.Param("id"), middleware.UserID(c), req.Tasks)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// ExecuteJob streams the run of an approved job as server-sent events.
// With ?mode=background the job is queued instead and 202 is returned.
func (s *Server) ExecuteJob(c *gin.Context) {
	ctx := c.Request.Context()
	jobID, userID := c.Param("id"), middleware.UserID(c)

	if c.Query("mode") == "background" {
		if _, err := s.queue.GetJob(ctx, jobID, userID); err != nil {
			s.respondError(c, err)
			return
		}
		if err := s.queue.Dispatch(ctx, jobID); err != nil {
			s.respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": jobID, "status": "queued"})
		return
	}

	events, err := s.orch.ExecuteJob(ctx, jobID, userID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.streamSSE(c, events)
}

// ContinueJob resolves a credit checkpoint
func (s *Server) ContinueJob(c *gin.Context) {
	var req continueRequest
	if err := bindJSON(c, &req); err != nil {
		s.respondError(c, err)
		return
	}
	job, err := s.orch.ContinueJob(c.Request.Context(), c.Param("id"), middleware.UserID(c), *req.Approved)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// CancelJob requests cancellation. An executing job reports
// cancel_requested until its run reaches a task boundary.
func (s *Server) CancelJob(c *gin.Context) {
	job, err := s.queue.CancelJob(c.Request.Context(), c.Param("id"), middleware.UserID(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	status := http.StatusOK
	if !job.Status.IsTerminal() {
		status = http.StatusAccepted
	}
	c.JSON(status, job)
}
