package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"market_data_service/middleware"
	"market_data_service/services"
)

// PollingJobRequest is the POST body for a new polling job. Pointer fields
// distinguish absent keys from zero values; interval 0 and empty symbol
// lists are accepted.
type PollingJobRequest struct {
	Symbols  []string `json:"symbols"`
	Interval *int     `json:"interval"`
}

// PollingController handles polling job requests
type PollingController struct {
	polling *services.PollingService
	audit   *services.AuditService
}

// NewPollingController creates a new polling controller
func NewPollingController(polling *services.PollingService, audit *services.AuditService) *PollingController {
	return &PollingController{polling: polling, audit: audit}
}

// CreatePollingJob registers a new background polling job
// POST /api/v1/prices/poll
func (pc *PollingController) CreatePollingJob(c *gin.Context) {
	var req PollingJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "Invalid request body"})
		return
	}
	if req.Symbols == nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "symbols is required"})
		return
	}
	if req.Interval == nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "interval is required"})
		return
	}

	snap := pc.polling.Create(req.Symbols, *req.Interval, c.Query("provider"))

	if pc.audit != nil {
		pc.audit.LogDataAccess(c.Request.Context(), middleware.GetUserID(c), "create", "polling_job", snap.JobID)
	}

	c.JSON(http.StatusCreated, gin.H{
		"job_id":  snap.JobID,
		"status":  snap.Status,
		"config":  snap.Config,
		"message": "Polling job started successfully",
	})
}

// ListPollingJobs returns every registered polling job
// GET /api/v1/prices/poll
func (pc *PollingController) ListPollingJobs(c *gin.Context) {
	c.JSON(http.StatusOK, pc.polling.List())
}

// GetPollingJob returns one polling job by id
// GET /api/v1/prices/poll/:job_id
func (pc *PollingController) GetPollingJob(c *gin.Context) {
	snap, ok := pc.polling.Get(c.Param("job_id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Job not found"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

// DeletePollingJob cancels and removes one polling job
// DELETE /api/v1/prices/poll/:job_id
func (pc *PollingController) DeletePollingJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if !pc.polling.Delete(jobID) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Job not found"})
		return
	}

	if pc.audit != nil {
		pc.audit.LogDataAccess(c.Request.Context(), middleware.GetUserID(c), "delete", "polling_job", jobID)
	}

	c.JSON(http.StatusOK, gin.H{"message": "Job deleted successfully"})
}

// DeleteAllPollingJobs cancels and removes every polling job
// POST /api/v1/prices/delete-all-polling-jobs
func (pc *PollingController) DeleteAllPollingJobs(c *gin.Context) {
	pc.polling.DeleteAll()

	if pc.audit != nil {
		pc.audit.LogDataAccess(c.Request.Context(), middleware.GetUserID(c), "delete", "polling_job", "all")
	}

	c.JSON(http.StatusOK, gin.H{"message": "All jobs deleted successfully"})
}
