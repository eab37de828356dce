package api

import (
	"context"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/logging"
	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/store"
)

const maxUploadBytes = 10 << 20

type createTaskRequest struct {
	Title          string   `json:"title" binding:"required"`
	Description    string   `json:"description"`
	Priority       string   `json:"priority"`
	DueDate        string   `json:"due_date"`
	EstimatedHours *float64 `json:"estimated_hours"`
}

type feedbackRequest struct {
	Feedback string `json:"feedback"`
	Content  string `json:"content"`
}

func (r feedbackRequest) text() string {
	if strings.TrimSpace(r.Feedback) != "" {
		return strings.TrimSpace(r.Feedback)
	}
	return strings.TrimSpace(r.Content)
}

func parseDueDate(raw string) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return &parsed, nil
		}
	}
	return nil, badRequest(fmt.Sprintf("due_date %q must be YYYY-MM-DD or RFC 3339", raw))
}

func (s *Server) listTasks(c *gin.Context) {
	filter := store.TaskFilter{Archived: c.Query("archived") == "true"}
	if raw := c.Query("status"); raw != "" {
		status, err := contracts.ParseTaskStatus(raw)
		if err != nil {
			fail(c, badRequest(err.Error()))
			return
		}
		filter.Status = status
	}
	if raw := c.Query("priority"); raw != "" {
		priority, err := contracts.ParsePriority(raw)
		if err != nil {
			fail(c, badRequest(err.Error()))
			return
		}
		filter.Priority = priority
	}
	tasks, err := s.deps.Store.ListTasks(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	success(c, tasks)
}

func (s *Server) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, badRequest("title is required"))
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		fail(c, badRequest("title is required"))
		return
	}
	priority, err := contracts.ParsePriority(req.Priority)
	if err != nil {
		fail(c, badRequest(err.Error()))
		return
	}
	due, err := parseDueDate(req.DueDate)
	if err != nil {
		fail(c, err)
		return
	}
	if req.EstimatedHours != nil && *req.EstimatedHours < 0 {
		fail(c, badRequest("estimated_hours must not be negative"))
		return
	}
	task, err := s.deps.Store.CreateTask(c.Request.Context(), store.NewTask{
		Title:          req.Title,
		Description:    req.Description,
		Priority:       priority,
		DueDate:        due,
		EstimatedHours: req.EstimatedHours,
	})
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, task)
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.deps.Store.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, gin.H{"task": task, "is_running": s.deps.Executor != nil && s.deps.Executor.IsTaskRunning(task.ID)})
}

func (s *Server) requestTask(c *gin.Context) {
	s.transition(c, contracts.TaskStatusPending, contracts.TaskStatusRequested, s.deps.Store.RequestTask)
}

func (s *Server) completeTask(c *gin.Context) {
	s.transition(c, contracts.TaskStatusReview, contracts.TaskStatusCompleted, s.deps.Store.CompleteTask)
}

func (s *Server) transition(c *gin.Context, from contracts.TaskStatus, to contracts.TaskStatus, apply func(ctx context.Context, id string) (contracts.Task, error)) {
	task, err := apply(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	s.emit(c.Request.Context(), contracts.StatusChangeEvent(task, from, to, ""))
	success(c, task)
}

func (s *Server) rejectTask(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.text() == "" {
		fail(c, contracts.ErrFeedbackRequired)
		return
	}
	task, feedback, err := s.deps.Store.RejectTask(c.Request.Context(), c.Param("id"), req.text())
	if err != nil {
		fail(c, err)
		return
	}
	s.emit(c.Request.Context(), contracts.StatusChangeEvent(task, contracts.TaskStatusReview, contracts.TaskStatusRequested, ""))
	success(c, gin.H{"task": task, "feedback": feedback})
}

func (s *Server) archiveTask(c *gin.Context) {
	task, err := s.deps.Store.ArchiveTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, task)
}

func (s *Server) restoreTask(c *gin.Context) {
	task, err := s.deps.Store.RestoreTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, task)
}

func (s *Server) deleteTask(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Store.DeleteTask(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	if s.deps.Workspace != nil {
		if err := s.deps.Workspace.Remove(id); err != nil {
			s.logger.Warn("task directory not removed", logging.TaskID(id), zap.Error(err))
		}
	}
	if s.deps.UploadDir != "" {
		_ = os.RemoveAll(s.uploadDir(id))
	}
	success(c, gin.H{"deleted": id})
}

func (s *Server) listFeedback(c *gin.Context) {
	if _, err := s.deps.Store.GetTask(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	feedback, err := s.deps.Store.ListFeedback(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, feedback)
}

func (s *Server) addFeedback(c *gin.Context) {
	var req feedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.text() == "" {
		fail(c, contracts.ErrFeedbackRequired)
		return
	}
	if _, err := s.deps.Store.GetTask(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	feedback, err := s.deps.Store.CreateFeedback(c.Request.Context(), c.Param("id"), req.text())
	if err != nil {
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, feedback)
}

func (s *Server) listAttachments(c *gin.Context) {
	attachments, err := s.deps.Store.ListAttachments(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, attachments)
}

func (s *Server) uploadDir(taskID string) string {
	return filepath.Join(s.deps.UploadDir, filepath.Base(filepath.Clean("/"+taskID)))
}

// uploadAttachment stores a multipart "file" under the upload directory and
// registers it for the next attempt.
func (s *Server) uploadAttachment(c *gin.Context) {
	id := c.Param("id")
	if s.deps.UploadDir == "" {
		fail(c, fmt.Errorf("attachment uploads are not configured"))
		return
	}
	if _, err := s.deps.Store.GetTask(c.Request.Context(), id); err != nil {
		fail(c, err)
		return
	}
	header, err := c.FormFile("file")
	if err != nil {
		fail(c, badRequest("multipart field \"file\" is required"))
		return
	}
	if header.Size > maxUploadBytes {
		fail(c, badRequest(fmt.Sprintf("attachment exceeds %d bytes", maxUploadBytes)))
		return
	}
	name := filepath.Base(header.Filename)
	if name == "." || name == string(filepath.Separator) {
		fail(c, badRequest("attachment name is invalid"))
		return
	}
	dir := s.uploadDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fail(c, err)
		return
	}
	target := filepath.Join(dir, strconv.FormatInt(s.now().UnixNano(), 36)+"-"+name)
	if err := c.SaveUploadedFile(header, target); err != nil {
		fail(c, err)
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(name))
	}
	attachment, err := s.deps.Store.AddAttachment(c.Request.Context(), contracts.Attachment{
		TaskID:   id,
		Name:     name,
		Path:     target,
		MimeType: mimeType,
		Size:     header.Size,
	})
	if err != nil {
		_ = os.Remove(target)
		fail(c, err)
		return
	}
	respond(c, http.StatusCreated, attachment)
}

func (s *Server) listOutputs(c *gin.Context) {
	files, err := s.deps.Store.ListOutputFiles(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, files)
}

func (s *Server) listExecutions(c *gin.Context) {
	executions, err := s.deps.Store.ListExecutions(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	success(c, executions)
}
