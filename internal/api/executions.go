package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// executeTask starts a requested task now instead of waiting for the tick.
func (s *Server) executeTask(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Scheduler.ExecuteTaskByID(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusAccepted, gin.H{"task_id": id, "started": true})
}

func (s *Server) pauseTask(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.deps.Store.GetTask(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	paused, err := s.deps.Executor.PauseTask(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"task_id": id, "paused": paused})
}

func (s *Server) executionStatus(c *gin.Context) {
	status := s.deps.Scheduler.Status(c.Request.Context())
	success(c, gin.H{
		"running_count":    s.deps.Executor.RunningTaskCount(),
		"running_task_ids": s.deps.Executor.RunningTaskIDs(),
		"scheduler":        status,
	})
}

func (s *Server) getExecution(c *gin.Context) {
	execution, err := s.deps.Store.GetExecution(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, execution)
}

func (s *Server) listExecutionOutputs(c *gin.Context) {
	if _, err := s.deps.Store.GetExecution(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	files, err := s.deps.Store.ListExecutionOutputFiles(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, files)
}

func (s *Server) stuckTasks(c *gin.Context) {
	stuck, err := s.deps.Watchdog.StuckTasks(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	success(c, stuck)
}

func (s *Server) restartStuckTask(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Watchdog.RestartStuckTask(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"task_id": id, "restarted": true})
}
