package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yourusername/pdv-sync/internal/articles"
	"github.com/yourusername/pdv-sync/internal/folder"
	"github.com/yourusername/pdv-sync/internal/selection"
	"github.com/yourusername/pdv-sync/internal/watcher"
)

type selectRequest struct {
	FolderName string `json:"folder_name"`
	FolderPath string `json:"folder_path"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("%w: malformed JSON body: %v", selection.ErrInvalidInput, err))
		return
	}
	f, err := s.deps.Selections.Select(r.Context(), req.FolderName, req.FolderPath)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, f, fmt.Sprintf("Folder %s selected", f.FolderName))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Room for the form fields next to the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, fmt.Errorf("%w: limit is %d bytes", selection.ErrUploadTooLarge, s.deps.MaxUploadBytes))
			return
		}
		writeError(w, r, fmt.Errorf("%w: malformed multipart body: %v", selection.ErrInvalidUpload, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("caiss_file")
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: caiss_file is required", selection.ErrInvalidInput))
		return
	}
	defer file.Close()

	f, err := s.deps.Selections.Upload(r.Context(), r.FormValue("folder_name"), header.Filename, file)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, f, fmt.Sprintf("File %s uploaded", header.Filename))
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	f, err := s.deps.Selections.Current(r.Context())
	if errors.Is(err, folder.ErrNoSelection) {
		writeJSON(w, http.StatusNotFound, envelope{Message: err.Error()})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, f, "")
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Selections.Reset(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, nil, "Selection cleared")
}

func (s *Server) handleGlobalSearch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	matches, err := s.deps.Selections.GlobalSearch(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, map[string]interface{}{
		"files":       matches,
		"total_found": len(matches),
		"duration_ms": time.Since(start).Milliseconds(),
	}, "")
}

// current loads the selection or writes the error response.
func (s *Server) current(w http.ResponseWriter, r *http.Request) (*folder.SelectedFolder, bool) {
	f, err := s.deps.Selections.Current(r.Context())
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	return f, true
}

func intParam(r *http.Request, name string) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, &articles.ValidationError{Field: name, Reason: "must be an integer"}
	}
	return n, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	page, err := intParam(r, "page")
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit, err := intParam(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	f, ok := s.current(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	res, err := s.deps.Articles.Search(r.Context(), *f, articles.Query{
		Term:     q.Get("search"),
		Family:   q.Get("family"),
		Page:     page,
		PageSize: limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, res, "")
}

func (s *Server) handleFamilies(w http.ResponseWriter, r *http.Request) {
	f, ok := s.current(w, r)
	if !ok {
		return
	}
	fams, err := s.deps.Articles.Families(r.Context(), *f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, fams, "")
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Runner.TriggerNow(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	msg := fmt.Sprintf("%d file(s) synced, %d failed", res.Synced(), res.Failed())
	if res.NothingToDo() {
		msg = "Data already up to date"
	}
	writeData(w, res, msg)
}

// FileCheck is the connection test of one legacy file.
type FileCheck struct {
	FileType  folder.FileType `json:"file_type"`
	Path      string          `json:"path"`
	Exists    bool            `json:"exists"`
	Connected bool            `json:"connected"`
	Size      int64           `json:"size,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (s *Server) checkFiles(r *http.Request, f *folder.SelectedFolder) []FileCheck {
	files := f.Files()
	checks := make([]FileCheck, 0, len(files))
	for _, wf := range files {
		c := FileCheck{FileType: wf.FileType, Path: wf.Path}
		info, err := os.Stat(wf.Path)
		if err != nil {
			c.Error = "file not found"
			checks = append(checks, c)
			continue
		}
		c.Exists = true
		c.Size = info.Size()
		h, err := s.deps.Pool.Acquire(r.Context(), wf.Path)
		if err != nil {
			c.Error = err.Error()
		} else {
			c.Connected = true
			s.deps.Pool.Release(h)
		}
		checks = append(checks, c)
	}
	return checks
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"pool":     s.deps.Pool.Stats(),
		"last_run": s.deps.Runner.LastRun(),
	}

	f, err := s.deps.Selections.Current(r.Context())
	switch {
	case err == nil:
		status["selection"] = f
		status["files"] = s.checkFiles(r, f)
	case errors.Is(err, folder.ErrNoSelection):
		status["selection"] = nil
	default:
		status["selection"] = f
		status["selection_error"] = err.Error()
	}

	rows, err := s.deps.Status.ListSyncStatus(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	failures, err := s.deps.Status.ListFailures(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	status["sync_status"] = rows
	status["failures"] = failures
	writeData(w, status, "")
}

type changesResponse struct {
	HasChanges    bool                  `json:"has_changes"`
	Changes       []watcher.ChangeEvent `json:"changes"`
	AffectedAreas []string              `json:"affected_areas"`
	CheckedAt     time.Time             `json:"checked_at"`
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	f, ok := s.current(w, r)
	if !ok {
		return
	}
	events, err := s.deps.Runner.CheckChanges(r.Context(), *f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []watcher.ChangeEvent{}
	}
	areas := watcher.AffectedAreas(events)
	if areas == nil {
		areas = []string{}
	}
	writeData(w, changesResponse{
		HasChanges:    len(events) > 0,
		Changes:       events,
		AffectedAreas: areas,
		CheckedAt:     time.Now().UTC(),
	}, "")
}

func (s *Server) handleWatcherReset(w http.ResponseWriter, r *http.Request) {
	f, ok := s.current(w, r)
	if !ok {
		return
	}
	s.deps.Baselines.Reset(f.Files())
	writeData(w, nil, "File watcher reset")
}
