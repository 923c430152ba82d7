package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Richard1990h/KING-V3-sub001/internal/agents"
	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
	"github.com/Richard1990h/KING-V3-sub001/internal/middleware"
	"github.com/Richard1990h/KING-V3-sub001/internal/sandbox"
)

type sandboxRequest struct {
	ProjectID      string            `json:"project_id" binding:"required,max=128"`
	Language       string            `json:"language" binding:"required"`
	Files          map[string]string `json:"files" binding:"required"`
	EntryPoint     string            `json:"entry_point"`
	Phase          sandbox.Phase     `json:"phase"`
	TimeoutSeconds int               `json:"timeout_seconds" binding:"gte=0"`
	Stdin          string            `json:"stdin"`
	// AllowNetwork is honoured only when the sandbox allows network globally
	AllowNetwork bool `json:"allow_network"`
}

// ListAgents returns the agent catalogue
func (s *Server) ListAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": agents.Catalogue()})
}

// Usage reports the caller's rate-limit standing and credit balance for
// ?project_id=
func (s *Server) Usage(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.UserID(c)
	projectID := c.Query("project_id")
	if projectID == "" {
		s.respondError(c, apperr.Input("project_id is required"))
		return
	}

	stats, err := s.limiter.GetUsageStats(ctx, projectID, userID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	body := gin.H{"usage": stats, "credits_enabled": s.settings.Credits.Enabled}
	if s.ledger != nil {
		balance, err := s.ledger.CheckBalance(ctx, userID)
		if err != nil {
			s.respondError(c, err)
			return
		}
		body["balance"] = balance
	}
	if ident := middleware.IdentityFrom(c); ident != nil {
		body["plan_tier"] = ident.PlanTier
	}
	c.JSON(http.StatusOK, body)
}

// ExecuteSandbox runs code directly in the sandbox, retrying transient
// failures. It counts against the caller's request quota.
func (s *Server) ExecuteSandbox(c *gin.Context) {
	if s.sandbox == nil {
		s.respondError(c, apperr.New(apperr.KindConflict, "SANDBOX_DISABLED", "sandbox execution is not enabled"))
		return
	}
	var req sandboxRequest
	if err := bindJSON(c, &req); err != nil {
		s.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	userID := middleware.UserID(c)
	if err := s.limiter.CheckLimit(ctx, req.ProjectID, userID).Err(); err != nil {
		s.respondError(c, err)
		return
	}

	final, attempts, err := s.sandbox.ExecuteWithRetry(ctx, &sandbox.ExecutionRequest{
		ProjectID:    req.ProjectID,
		Language:     req.Language,
		Files:        req.Files,
		EntryPoint:   req.EntryPoint,
		Phase:        req.Phase,
		Timeout:      time.Duration(req.TimeoutSeconds) * time.Second,
		Stdin:        req.Stdin,
		AllowNetwork: req.AllowNetwork,
	}, s.settings.Sandbox.MaxRetries)
	if err != nil && final == nil {
		s.respondError(c, err)
		return
	}
	if err != nil {
		s.logger.Info("sandbox retries interrupted", zap.String("user_id", userID), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{
		"result":   final,
		"attempts": len(attempts),
	})
}
