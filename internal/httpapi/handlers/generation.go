package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pixveil/gen-platform/internal/common"
	"github.com/pixveil/gen-platform/internal/generation"
)

type enqueueReq struct {
	Type        string     `json:"type" binding:"required"`
	Priority    string     `json:"priority"`
	ScheduledAt *time.Time `json:"scheduled_at"`

	Prompt    string                       `json:"prompt"`
	Character *generation.CharacterPayload `json:"character"`
	Requests  []generation.SingleRequest   `json:"requests"`
}

func (h *Handler) CreateGeneration(c *gin.Context) {
	uid, authed := userIDFromContext(c)
	if !authed {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req enqueueReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	er := generation.EnqueueRequest{
		UserID:      &uid,
		Type:        generation.JobType(strings.ToLower(req.Type)),
		Priority:    generation.Priority(req.Priority),
		ScheduledAt: req.ScheduledAt,
	}
	switch er.Type {
	case generation.TypeSingle:
		er.Single = &generation.SinglePayload{Prompt: req.Prompt}
	case generation.TypeCharacter:
		er.Character = req.Character
	case generation.TypeBatch:
		er.Batch = &generation.BatchPayload{Requests: req.Requests}
	}

	jobID, err := h.Queue.Enqueue(c.Request.Context(), er)
	if err != nil {
		switch {
		case errors.Is(err, generation.ErrBatchTooLarge),
			errors.Is(err, generation.ErrEmptyBatch),
			errors.Is(err, generation.ErrInvalidRequest):
			common.Fail(c, http.StatusBadRequest, 40002, err.Error())
		case errors.Is(err, generation.ErrQueueFull):
			common.Fail(c, http.StatusServiceUnavailable, 50301, "queue is full, please try again later")
		default:
			common.Fail(c, http.StatusInternalServerError, 50001, "failed to enqueue job")
		}
		return
	}

	if h.Dispatch != nil {
		if err := h.Dispatch.PublishDispatch(c.Request.Context(), jobID); err != nil {
			// Workers will still poll the job up.
			slog.Error("dispatch publish failed", "job_id", jobID, "err", err)
		}
	}

	common.Ok(c, gin.H{"job_id": jobID})
}

func (h *Handler) GetGeneration(c *gin.Context) {
	uid, authed := userIDFromContext(c)
	if !authed {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	job, err := h.Queue.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to load job")
		return
	}
	if job == nil || job.UserID == nil || *job.UserID != uid {
		common.Fail(c, http.StatusNotFound, 40401, "job not found")
		return
	}
	common.Ok(c, job)
}

func (h *Handler) CancelGeneration(c *gin.Context) {
	uid, authed := userIDFromContext(c)
	if !authed {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	ok, err := h.Queue.CancelJob(c.Request.Context(), c.Param("id"), uid)
	if err != nil {
		switch {
		case errors.Is(err, generation.ErrJobNotFound):
			common.Fail(c, http.StatusNotFound, 40401, "job not found")
		case errors.Is(err, generation.ErrNotOwner):
			common.Fail(c, http.StatusForbidden, 40301, "job belongs to another user")
		case errors.Is(err, generation.ErrNotCancellable):
			common.Fail(c, http.StatusConflict, 40901, "job cannot be cancelled in its current state")
		default:
			common.Fail(c, http.StatusInternalServerError, 50003, "failed to cancel job")
		}
		return
	}
	common.Ok(c, gin.H{"cancelled": ok})
}

func (h *Handler) ListGenerations(c *gin.Context) {
	uid, authed := userIDFromContext(c)
	if !authed {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	opts := generation.UserJobsOptions{}
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			opts.Offset = n
		}
	}
	if v := c.Query("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			opts.Statuses = append(opts.Statuses, generation.JobStatus(strings.TrimSpace(s)))
		}
	}

	jobs, err := h.Queue.GetUserJobs(c.Request.Context(), uid, opts)
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to list jobs")
		return
	}
	common.Ok(c, gin.H{"jobs": jobs})
}

func (h *Handler) QueueMetrics(c *gin.Context) {
	m, err := h.Queue.GetMetrics(c.Request.Context())
	if err != nil {
		common.Fail(c, http.StatusInternalServerError, 50005, "failed to load metrics")
		return
	}
	common.Ok(c, m)
}

func (h *Handler) Health(c *gin.Context) {
	health := h.Exec.SystemHealth()
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"code":    0,
		"message": "ok",
		"data":    health,
	})
}
