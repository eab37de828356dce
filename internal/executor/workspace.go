package executor

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cruzyjapan/Claude-Code-Kanban-Automator/internal/contracts"
)

const (
	PromptFileName   = "prompt.md"
	archiveDir       = ".archive"
	attachmentsDir   = "attachments"
	outputFilePrefix = "worker_output_"
)

// Workspace lays out one working directory per task under a root.
type Workspace struct {
	root string
	now  func() time.Time
}

type StagedAttachment struct {
	Name     string
	MimeType string
	Size     int64
	RelPath  string
}

// ProducedFile is a regular file the worker left in the working directory.
type ProducedFile struct {
	Path string
	Name string
	Type string
	Size int64
}

func NewWorkspace(root string) *Workspace {
	return &Workspace{root: root, now: time.Now}
}

func (w *Workspace) Root() string {
	return w.root
}

func (w *Workspace) TaskDir(taskID string) string {
	return filepath.Join(w.root, filepath.Base(filepath.Clean("/"+taskID)))
}

// Prepare makes sure the task directory exists. For rework (version > 1) the
// previous deliverables are moved to .archive/v<prev>-<timestamp> and the
// directory is cleared. It returns the archive path when one was made.
func (w *Workspace) Prepare(taskID string, version int) (string, string, error) {
	dir := w.TaskDir(taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create task directory: %w", err)
	}
	if version <= 1 {
		return dir, "", nil
	}
	archived, err := w.archive(dir, version-1)
	if err != nil {
		return "", "", err
	}
	return dir, archived, nil
}

func (w *Workspace) archive(dir string, previousVersion int) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var movable []os.DirEntry
	for _, entry := range entries {
		if entry.Name() == archiveDir || entry.Name() == PromptFileName {
			continue
		}
		movable = append(movable, entry)
	}
	target := ""
	if len(movable) > 0 {
		target = filepath.Join(dir, archiveDir, fmt.Sprintf("v%d-%s", previousVersion, w.now().UTC().Format("20060102T150405Z")))
		if err := os.MkdirAll(target, 0o755); err != nil {
			return "", fmt.Errorf("create archive directory: %w", err)
		}
		for _, entry := range movable {
			if err := os.Rename(filepath.Join(dir, entry.Name()), filepath.Join(target, entry.Name())); err != nil {
				return "", fmt.Errorf("archive %s: %w", entry.Name(), err)
			}
		}
	}
	// Clear whatever is left apart from the archive itself.
	entries, err = os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if entry.Name() == archiveDir {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return "", err
		}
	}
	return target, nil
}

// StageAttachments copies attachments into the attachments subdirectory.
// Attachments that cannot be copied are skipped and reported.
func (w *Workspace) StageAttachments(dir string, attachments []contracts.Attachment) ([]StagedAttachment, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	target := filepath.Join(dir, attachmentsDir)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return nil, err
	}
	var staged []StagedAttachment
	var errs []error
	for _, att := range attachments {
		name := filepath.Base(att.Name)
		if name == "." || name == string(filepath.Separator) || name == "" {
			name = filepath.Base(att.Path)
		}
		size, err := copyFile(att.Path, filepath.Join(target, name))
		if err != nil {
			errs = append(errs, fmt.Errorf("attachment %s: %w", name, err))
			continue
		}
		staged = append(staged, StagedAttachment{
			Name:     name,
			MimeType: att.MimeType,
			Size:     size,
			RelPath:  attachmentsDir + "/" + name,
		})
	}
	return staged, errors.Join(errs...)
}

func (w *Workspace) WritePrompt(dir string, prompt string) (string, error) {
	path := filepath.Join(dir, PromptFileName)
	return path, os.WriteFile(path, []byte(prompt), 0o644)
}

// WriteOutput persists the worker transcript to a timestamped file.
func (w *Workspace) WriteOutput(dir string, output string) (string, error) {
	name := outputFilePrefix + w.now().UTC().Format("20060102T150405.000Z") + ".md"
	path := filepath.Join(dir, name)
	return path, os.WriteFile(path, []byte(output), 0o644)
}

// ScanOutputs lists top-level regular files the worker produced. The prompt,
// transcripts, attachments and the archive are not deliverables. Files that
// vanish mid-scan are skipped.
func (w *Workspace) ScanOutputs(dir string) ([]ProducedFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []ProducedFile
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || name == PromptFileName || strings.HasPrefix(name, outputFilePrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, ProducedFile{
			Path: filepath.Join(dir, name),
			Name: name,
			Type: detectType(name),
			Size: info.Size(),
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

// Remove deletes the task directory and everything in it.
func (w *Workspace) Remove(taskID string) error {
	return os.RemoveAll(w.TaskDir(taskID))
}

func detectType(name string) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".go", ".ts", ".py", ".sh", ".txt", ".log":
		return "text/plain"
	}
	return "application/octet-stream"
}

func copyFile(src string, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	return n, err
}
