package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/store"
)

func (s *Server) listNotifications(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			fail(c, badRequest("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	notifications, err := s.deps.Store.Notifications().List(c.Request.Context(), limit, c.Query("unread") == "true")
	if err != nil {
		fail(c, err)
		return
	}
	success(c, notifications)
}

func (s *Server) markNotificationRead(c *gin.Context) {
	if err := s.deps.Store.Notifications().MarkRead(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"id": c.Param("id"), "is_read": true})
}

func (s *Server) markAllNotificationsRead(c *gin.Context) {
	if err := s.deps.Store.Notifications().MarkAllRead(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"is_read": true})
}

func (s *Server) getSettings(c *gin.Context) {
	settings, err := s.deps.Settings.Settings(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	success(c, settingsView(settings))
}

func (s *Server) updateSettings(c *gin.Context) {
	var update store.SettingsUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		fail(c, badRequest("settings body must be a JSON object"))
		return
	}
	switch {
	case update.MaxConcurrentTasks != nil && *update.MaxConcurrentTasks <= 0:
		fail(c, badRequest("max_concurrent_tasks must be greater than 0"))
		return
	case update.RetryLimit != nil && *update.RetryLimit < 0:
		fail(c, badRequest("retry_limit must be greater than or equal to 0"))
		return
	case update.TaskTimeoutMinutes != nil && *update.TaskTimeoutMinutes <= 0:
		fail(c, badRequest("task_timeout_minutes must be greater than 0"))
		return
	}
	settings, err := s.deps.Settings.Update(c.Request.Context(), update)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, settingsView(settings))
}

func settingsView(settings contracts.Settings) gin.H {
	return gin.H{
		"max_concurrent_tasks":       settings.MaxConcurrentTasks,
		"retry_limit":                settings.RetryLimit,
		"enable_task_timeout":        settings.WatchdogEnabled,
		"task_timeout_minutes":       int(settings.StaleAfter / time.Minute),
		"custom_prompt_instructions": settings.CustomPrompt,
	}
}
