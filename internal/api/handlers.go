package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/thyrook/fenscan/internal/correction"
	"github.com/thyrook/fenscan/internal/metrics"
	"github.com/thyrook/fenscan/internal/pipeline"
	"github.com/thyrook/fenscan/internal/storage"
	"github.com/thyrook/fenscan/internal/vision"
)

// scanEntry is a submitted scan kept in the job cache
type scanEntry struct {
	job    *pipeline.Job
	source string
	// closed once the finished scan has been persisted (or skipped)
	saved chan struct{}

	mu       sync.Mutex
	session  *correction.Session
	recorded bool
}

type scanResponse struct {
	ID         string              `json:"id"`
	Status     string              `json:"status"`
	Submitted  *time.Time          `json:"submitted,omitempty"`
	FEN        string              `json:"fen,omitempty"`
	Result     *pipeline.Result    `json:"result,omitempty"`
	Record     *storage.ScanRecord `json:"record,omitempty"`
	Error      string              `json:"error,omitempty"`
	Stage      string              `json:"stage,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Correction *correction.Outcome `json:"correction,omitempty"`
}

type correctionRequest struct {
	Commands []string `json:"commands"`
}

type correctionResponse struct {
	correction.Outcome
	Samples int `json:"samples,omitempty"`
}

func (s *Server) lookup(id string) (*scanEntry, bool) {
	v, ok := s.jobs.Get(id)
	if !ok {
		return nil, false
	}
	entry, ok := v.(*scanEntry)
	return entry, ok
}

// createScan accepts a multipart "image" upload and starts a background
// scan. An optional "corners" field skips board detection.
func (s *Server) createScan(c echo.Context) error {
	file, err := c.FormFile("image")
	if err != nil {
		return s.handleError(c, err, "multipart field 'image' is required", http.StatusBadRequest)
	}

	var corners []vision.Point
	if raw := c.FormValue("corners"); raw != "" {
		corners, err = vision.ParseCorners(raw)
		if err != nil {
			return s.handleError(c, err, "invalid corners", http.StatusBadRequest)
		}
	}

	src, err := file.Open()
	if err != nil {
		return s.handleError(c, err, "failed to read upload", http.StatusBadRequest)
	}
	defer src.Close()

	img, err := vision.DecodeImage(src)
	if err != nil {
		img.Close()
		return s.handleError(c, err, "unsupported or corrupt image", http.StatusBadRequest)
	}

	// The request context ends with this handler; the scan outlives it
	var job *pipeline.Job
	if len(corners) > 0 {
		job = s.runner.SubmitWithQuad(context.Background(), img, corners)
	} else {
		job = s.runner.Submit(context.Background(), img)
	}

	entry := &scanEntry{
		job:    job,
		source: file.Filename,
		saved:  make(chan struct{}),
	}
	s.jobs.Set(job.ID, entry, cache.DefaultExpiration)
	s.updateActiveJobs()

	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		defer close(entry.saved)

		<-job.Done()
		img.Close()
		s.updateActiveJobs()
		s.persist(entry)
	}()

	s.logger.Info("Scan submitted",
		zap.String("scan", job.ID),
		zap.String("file", file.Filename),
		zap.Int64("bytes", file.Size),
		zap.Bool("manual_corners", len(corners) > 0))

	return c.JSON(http.StatusAccepted, scanResponse{
		ID:     job.ID,
		Status: string(job.Status()),
	})
}

func (s *Server) persist(entry *scanEntry) {
	if s.store == nil {
		return
	}
	result, err := entry.job.Result()
	if err != nil {
		return
	}

	rec := storage.ScanRecord{
		ID:        result.ID,
		Source:    entry.source,
		FEN:       result.FEN,
		Method:    string(result.Method),
		Report:    result.Report,
		Warnings:  result.Warnings,
		CreatedAt: result.CreatedAt,
	}
	if err := s.store.SaveScan(rec); err != nil {
		s.logger.Error("Failed to save scan", zap.String("scan", rec.ID), zap.Error(err))
		return
	}
	if len(result.Cells) > 0 {
		if err := s.store.SaveCellImages(rec.ID, result.Cells); err != nil {
			s.logger.Error("Failed to save cell images", zap.String("scan", rec.ID), zap.Error(err))
		}
	}
}

func (s *Server) getScan(c echo.Context) error {
	id := c.Param("id")

	entry, ok := s.lookup(id)
	if !ok {
		return s.getStoredScan(c, id)
	}

	submitted := entry.job.Submitted
	resp := scanResponse{
		ID:        id,
		Status:    string(entry.job.Status()),
		Submitted: &submitted,
	}

	result, err := entry.job.Result()
	switch {
	case errors.Is(err, pipeline.ErrJobPending):
	case err != nil:
		resp.Error = err.Error()
		resp.Stage = string(pipeline.StageOf(err))
		resp.Reason = metrics.FailureReason(err)
	default:
		resp.Result = result
		resp.FEN = result.FEN
	}

	entry.mu.Lock()
	if entry.session != nil {
		out := sessionOutcome(entry.session)
		resp.Correction = &out
		if out.Status == correction.Finalized.String() {
			resp.FEN = out.FEN
		}
	}
	entry.mu.Unlock()

	return c.JSON(http.StatusOK, resp)
}

// getStoredScan answers for scans that have left the job cache
func (s *Server) getStoredScan(c echo.Context, id string) error {
	if s.store == nil {
		return s.handleError(c, nil, "scan not found", http.StatusNotFound)
	}

	rec, err := s.store.GetScan(id)
	if errors.Is(err, storage.ErrNotFound) {
		return s.handleError(c, err, "scan not found", http.StatusNotFound)
	}
	if err != nil {
		return s.handleError(c, err, "failed to load scan", http.StatusInternalServerError)
	}

	return c.JSON(http.StatusOK, scanResponse{
		ID:     rec.ID,
		Status: string(pipeline.JobDone),
		FEN:    rec.FinalFEN(),
		Record: &rec,
	})
}

func (s *Server) cancelScan(c echo.Context) error {
	id := c.Param("id")

	entry, ok := s.lookup(id)
	if !ok {
		return s.handleError(c, nil, "scan not found", http.StatusNotFound)
	}

	select {
	case <-entry.job.Done():
		return s.handleError(c, nil, "scan already finished", http.StatusConflict)
	default:
	}

	entry.job.Cancel()
	s.logger.Info("Scan cancelled", zap.String("scan", id))

	return c.JSON(http.StatusAccepted, scanResponse{
		ID:     id,
		Status: string(entry.job.Status()),
	})
}

// applyCorrections runs correction commands against the scan's session,
// creating it from the scan result on first use
func (s *Server) applyCorrections(c echo.Context) error {
	id := c.Param("id")

	var req correctionRequest
	if err := c.Bind(&req); err != nil {
		return s.handleError(c, err, "invalid request body", http.StatusBadRequest)
	}
	if len(req.Commands) == 0 {
		return s.handleError(c, nil, "at least one command is required", http.StatusBadRequest)
	}

	entry, ok := s.lookup(id)
	if !ok {
		return s.handleError(c, nil, "scan not found", http.StatusNotFound)
	}

	result, err := entry.job.Result()
	if errors.Is(err, pipeline.ErrJobPending) {
		return s.handleError(c, err, "scan still running", http.StatusConflict)
	}
	if err != nil {
		return s.handleError(c, err, "scan failed", http.StatusConflict)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.session == nil {
		entry.session = correction.NewSession(result.State, result.Report, s.logger)
	}

	var out correction.Outcome
	for _, line := range req.Commands {
		out, err = entry.session.ApplyLine(line)
		if err != nil {
			s.logger.Debug("Correction rejected", zap.String("scan", id), zap.String("command", line), zap.Error(err))
			return c.JSON(http.StatusUnprocessableEntity, map[string]any{
				"error":   err.Error(),
				"command": line,
				"state":   out,
			})
		}
	}

	resp := correctionResponse{Outcome: out}
	if entry.session.Status() == correction.Finalized && s.store != nil && !entry.recorded {
		<-entry.saved
		n, err := s.store.RecordCorrections(id, entry.session.State(), entry.session.Edits())
		if err != nil {
			s.logger.Error("Failed to record corrections", zap.String("scan", id), zap.Error(err))
		} else {
			resp.Samples = n
			entry.recorded = true
		}
	}

	return c.JSON(http.StatusOK, resp)
}

func sessionOutcome(session *correction.Session) correction.Outcome {
	status := session.Status()
	fen := session.Result()
	if fen == "" {
		fen = session.FEN()
	}
	return correction.Outcome{
		FEN:      fen,
		Status:   status.String(),
		Edits:    len(session.Edits()),
		Terminal: status.Terminal(),
	}
}
