// Package fakeserver is an in-process stand-in for the Audtext transcription
// service. It speaks the same REST and websocket protocol, simulates job
// progress, and exposes hooks to drive jobs and inject failures in tests.
package fakeserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Segment is a transcript segment as served by the service.
type Segment struct {
	ID    int     `json:"id"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Config configures a Server. Zero values get the service defaults.
type Config struct {
	// Manual disables the automatic job simulation; tests drive jobs with
	// SetProgress, Complete and Fail.
	Manual bool
	// Steps are the progress checkpoints of a simulated job.
	Steps []float64
	// StepInterval is the wait between checkpoints.
	StepInterval time.Duration
	// FailWith makes simulated jobs fail with this message after the first checkpoint.
	FailWith string
	// MaxUploadBytes rejects larger uploads.
	MaxUploadBytes int64
	// AllowedExtensions lists accepted file extensions, lower case without dot.
	AllowedExtensions []string
	Segments          []Segment
	Language          string
	// OllamaUnavailable makes health report unavailable and summaries fail.
	OllamaUnavailable bool
	Model             string
}

func (c Config) withDefaults() Config {
	out := c
	if len(out.Steps) == 0 {
		out.Steps = []float64{10, 25, 50, 75, 90}
	}
	if out.StepInterval <= 0 {
		out.StepInterval = 50 * time.Millisecond
	}
	if out.MaxUploadBytes <= 0 {
		out.MaxUploadBytes = 500 << 20
	}
	if len(out.AllowedExtensions) == 0 {
		out.AllowedExtensions = []string{"mp3", "wav", "m4a", "flac", "ogg", "webm", "mp4"}
	}
	if len(out.Segments) == 0 {
		out.Segments = []Segment{
			{ID: 0, Start: 0, End: 1.5, Text: "Hello"},
			{ID: 1, Start: 1.5, End: 3.25, Text: "world"},
		}
	}
	if out.Language == "" {
		out.Language = "en"
	}
	if out.Model == "" {
		out.Model = "llama3.1:8b"
	}
	return out
}

type task struct {
	ID       string    `json:"task_id"`
	Status   string    `json:"status"`
	Progress float64   `json:"progress"`
	Message  string    `json:"message"`
	Language *string   `json:"language,omitempty"`
	Duration *float64  `json:"duration,omitempty"`
	Segments []Segment `json:"segments"`
	FullText *string   `json:"full_text,omitempty"`
	Filename string    `json:"-"`
}

type progressMessage struct {
	TaskID         string  `json:"task_id"`
	Status         string  `json:"status"`
	Progress       float64 `json:"progress"`
	Message        string  `json:"message"`
	CurrentSegment *int    `json:"current_segment"`
}

type wsConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) write(mt int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(mt, data)
}

// Server implements http.Handler for the whole service surface.
type Server struct {
	cfg      Config
	mux      *http.ServeMux
	upgrader websocket.Upgrader

	mu    sync.Mutex
	tasks map[string]*task
	conns map[string]map[*wsConn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	failStatus atomic.Int32
	failResult atomic.Int32

	uploads     atomic.Int64
	statusCalls atomic.Int64
	resultCalls atomic.Int64
	liveAccepts atomic.Int64
}

// New creates a service stand-in.
func New(cfg Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg.withDefaults(),
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		tasks:    make(map[string]*task),
		conns:    make(map[string]map[*wsConn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.mux.HandleFunc("POST /api/upload", s.handleUpload)
	s.mux.HandleFunc("GET /api/status/{id}", s.handleStatus)
	s.mux.HandleFunc("GET /api/result/{id}", s.handleResult)
	s.mux.HandleFunc("POST /api/summarize", s.handleSummarize)
	s.mux.HandleFunc("GET /api/ollama/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/export/{format}/{id}", s.handleExport)
	s.mux.HandleFunc("GET /ws/progress/{id}", s.handleLive)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Close stops simulated jobs and drops every live connection.
func (s *Server) Close() {
	s.cancel()
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, set := range s.conns {
		for c := range set {
			_ = c.ws.Close()
		}
		delete(s.conns, id)
	}
}

// Uploads returns the number of accepted uploads.
func (s *Server) Uploads() int64 { return s.uploads.Load() }

// StatusCalls returns the number of status requests served, failed ones included.
func (s *Server) StatusCalls() int64 { return s.statusCalls.Load() }

// ResultCalls returns the number of result requests served, failed ones included.
func (s *Server) ResultCalls() int64 { return s.resultCalls.Load() }

// LiveAccepts returns the number of websocket connections accepted so far.
func (s *Server) LiveAccepts() int64 { return s.liveAccepts.Load() }

// FailNextStatus answers the next n status requests with 503.
func (s *Server) FailNextStatus(n int) { s.failStatus.Store(int32(n)) }

// FailNextResult answers the next n result requests with 500.
func (s *Server) FailNextResult(n int) { s.failResult.Store(int32(n)) }

// SetProgress moves a job to processing and broadcasts the update.
func (s *Server) SetProgress(taskID string, progress float64, message string) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if ok {
		t.Status = StatusProcessing
		t.Progress = progress
		t.Message = message
	}
	s.mu.Unlock()
	if ok {
		s.broadcast(taskID, progressMessage{TaskID: taskID, Status: StatusProcessing, Progress: progress, Message: message})
	}
}

// Complete finishes a job with the configured transcript.
func (s *Server) Complete(taskID string) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if ok {
		text := joinSegments(s.cfg.Segments)
		lang := s.cfg.Language
		dur := 0.0
		if n := len(s.cfg.Segments); n > 0 {
			dur = s.cfg.Segments[n-1].End
		}
		t.Status = StatusCompleted
		t.Progress = 100
		t.Message = "Transcription complete!"
		t.Segments = slices.Clone(s.cfg.Segments)
		t.FullText = &text
		t.Language = &lang
		t.Duration = &dur
	}
	s.mu.Unlock()
	if ok {
		s.broadcast(taskID, progressMessage{TaskID: taskID, Status: StatusCompleted, Progress: 100, Message: "Transcription complete!"})
	}
}

// Fail marks a job failed with message.
func (s *Server) Fail(taskID, message string) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if ok {
		t.Status = StatusFailed
		t.Progress = 0
		t.Message = message
	}
	s.mu.Unlock()
	if ok {
		s.broadcast(taskID, progressMessage{TaskID: taskID, Status: StatusFailed, Progress: 0, Message: "Error: " + message})
	}
}

// SendRaw writes data verbatim to every live connection of a task.
func (s *Server) SendRaw(taskID string, data []byte) {
	for _, c := range s.liveConns(taskID) {
		_ = c.write(websocket.TextMessage, data)
	}
}

// DropLive closes every live connection of a task without a close handshake.
func (s *Server) DropLive(taskID string) {
	for _, c := range s.liveConns(taskID) {
		_ = c.ws.Close()
	}
}

// LiveConnections returns the number of open live connections of a task.
func (s *Server) LiveConnections(taskID string) int {
	return len(s.liveConns(taskID))
}

func (s *Server) liveConns(taskID string) []*wsConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*wsConn, 0, len(s.conns[taskID]))
	for c := range s.conns[taskID] {
		out = append(out, c)
	}
	return out
}

func (s *Server) broadcast(taskID string, msg progressMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	s.SendRaw(taskID, data)
}

func (s *Server) simulate(taskID string) {
	defer s.wg.Done()
	wait := func() bool {
		select {
		case <-s.ctx.Done():
			return false
		case <-time.After(s.cfg.StepInterval):
			return true
		}
	}
	for i, p := range s.cfg.Steps {
		if !wait() {
			return
		}
		seg := i
		s.mu.Lock()
		if t, ok := s.tasks[taskID]; ok {
			t.Status = StatusProcessing
			t.Progress = p
			t.Message = fmt.Sprintf("Transcribing segment %d...", i+1)
		}
		s.mu.Unlock()
		s.broadcast(taskID, progressMessage{TaskID: taskID, Status: StatusProcessing, Progress: p, Message: fmt.Sprintf("Transcribing segment %d...", i+1), CurrentSegment: &seg})
		if s.cfg.FailWith != "" {
			if !wait() {
				return
			}
			s.Fail(taskID, s.cfg.FailWith)
			return
		}
	}
	if !wait() {
		return
	}
	s.Complete(taskID)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		writeDetail(w, http.StatusBadRequest, "Invalid multipart body")
		return
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "Invalid multipart body")
			return
		}
		if part.FormName() != "file" {
			continue
		}
		filename := part.FileName()
		ext := strings.TrimPrefix(strings.ToLower(path.Ext(filename)), ".")
		if !slices.Contains(s.cfg.AllowedExtensions, ext) {
			writeDetail(w, http.StatusBadRequest, "Invalid file type. Allowed: "+strings.Join(s.cfg.AllowedExtensions, ", "))
			return
		}
		n, err := io.Copy(io.Discard, io.LimitReader(part, s.cfg.MaxUploadBytes+1))
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "Invalid multipart body")
			return
		}
		if n > s.cfg.MaxUploadBytes {
			writeDetail(w, http.StatusBadRequest, fmt.Sprintf("File too large. Maximum size: %dMB", s.cfg.MaxUploadBytes>>20))
			return
		}

		id := uuid.NewString()[:8]
		s.mu.Lock()
		s.tasks[id] = &task{ID: id, Status: StatusPending, Message: "File uploaded, waiting to start...", Segments: []Segment{}, Filename: filename}
		s.mu.Unlock()
		s.uploads.Add(1)
		if !s.cfg.Manual {
			s.wg.Add(1)
			go s.simulate(id)
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"task_id":  id,
			"filename": filename,
			"message":  "File uploaded successfully. Transcription started.",
		})
		return
	}
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"detail": []map[string]any{{"type": "missing", "loc": []string{"body", "file"}, "msg": "Field required"}},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.statusCalls.Add(1)
	if s.consume(&s.failStatus) {
		writeDetail(w, http.StatusServiceUnavailable, "Server busy")
		return
	}
	t, ok := s.snapshot(r.PathValue("id"))
	if !ok {
		writeDetail(w, http.StatusNotFound, "Task not found")
		return
	}
	writeJSON(w, http.StatusOK, progressMessage{TaskID: t.ID, Status: t.Status, Progress: t.Progress, Message: t.Message})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	s.resultCalls.Add(1)
	if s.consume(&s.failResult) {
		writeDetail(w, http.StatusInternalServerError, "Result store unavailable")
		return
	}
	t, ok := s.snapshot(r.PathValue("id"))
	if !ok {
		writeDetail(w, http.StatusNotFound, "Task not found")
		return
	}
	if t.Status != StatusCompleted {
		writeDetail(w, http.StatusBadRequest, "Transcription not complete. Status: "+t.Status)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleSummarize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskID string `json:"task_id"`
		Style  string `json:"style"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}
	if req.Style == "" {
		req.Style = "concise"
	}
	t, ok := s.snapshot(req.TaskID)
	if !ok {
		writeDetail(w, http.StatusNotFound, "Transcription not found")
		return
	}
	if t.Status != StatusCompleted {
		writeDetail(w, http.StatusBadRequest, "Transcription not complete yet")
		return
	}
	if t.FullText == nil || *t.FullText == "" {
		writeDetail(w, http.StatusBadRequest, "No transcript text available")
		return
	}
	if s.cfg.OllamaUnavailable {
		writeDetail(w, http.StatusInternalServerError, "Failed to generate summary: Ollama not available")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": t.ID,
		"summary": summarize(t, req.Style),
		"style":   req.Style,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.cfg.OllamaUnavailable {
		writeJSON(w, http.StatusOK, map[string]string{"status": "unavailable", "model": s.cfg.Model, "message": "Ollama is not running or model not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "model": s.cfg.Model, "message": "Ollama is ready"})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	format, id := r.PathValue("format"), r.PathValue("id")
	t, ok := s.snapshot(id)
	if !ok {
		writeDetail(w, http.StatusNotFound, "Task not found")
		return
	}
	if t.Status != StatusCompleted {
		writeDetail(w, http.StatusBadRequest, "Transcription not complete")
		return
	}
	var body string
	switch format {
	case "txt":
		body = *t.FullText
	case "srt":
		body = formatSRT(t.Segments)
	case "vtt":
		body = formatVTT(t.Segments)
	case "json":
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="transcript_%s.json"`, id))
		writeJSON(w, http.StatusOK, t)
		return
	default:
		writeDetail(w, http.StatusNotFound, "Not Found")
		return
	}
	ctype := "text/plain; charset=utf-8"
	if format == "vtt" {
		ctype = "text/vtt; charset=utf-8"
	}
	w.Header().Set("Content-Type", ctype)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="transcript_%s.%s"`, id, format))
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &wsConn{ws: ws}
	s.mu.Lock()
	if s.conns[id] == nil {
		s.conns[id] = make(map[*wsConn]struct{})
	}
	s.conns[id][c] = struct{}{}
	s.mu.Unlock()
	s.liveAccepts.Add(1)

	defer func() {
		s.mu.Lock()
		delete(s.conns[id], c)
		if len(s.conns[id]) == 0 {
			delete(s.conns, id)
		}
		s.mu.Unlock()
		_ = ws.Close()
	}()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		if string(data) == "ping" {
			_ = c.write(websocket.TextMessage, []byte("pong"))
		}
	}
}

func (s *Server) snapshot(id string) (task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return task{}, false
	}
	return *t, true
}

func (s *Server) consume(n *atomic.Int32) bool {
	for {
		v := n.Load()
		if v <= 0 {
			return false
		}
		if n.CompareAndSwap(v, v-1) {
			return true
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
