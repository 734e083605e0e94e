// Package server exposes the sequence engine over HTTP: job
// submission and inspection via a JSON API, live progress over
// websockets.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"astroseq/internal/engine"
	"astroseq/internal/frame"
	"astroseq/internal/framestore"
	"astroseq/internal/ops"
	"astroseq/internal/sequence"
	"astroseq/internal/stack"
	"astroseq/internal/storage"
	"astroseq/internal/watch"
)

// Server wraps the HTTP job API around an engine and its store.
type Server struct {
	addr     string
	store    *storage.Store
	eng      *engine.Engine
	watcher  *watch.SequenceWatcher
	log      *slog.Logger
	hub      *Hub
	server   *http.Server
	upgrader websocket.Upgrader

	// jobCtx outlives individual requests so a submitted job is not
	// cancelled when the submitting connection closes.
	jobCtx context.Context
}

// New creates a server. watchPaths may be empty.
func New(addr string, store *storage.Store, eng *engine.Engine, watchPaths []string, log *slog.Logger) (*Server, error) {
	s := &Server{
		addr:  addr,
		store: store,
		eng:   eng,
		log:   log,
		hub:   newHub(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	if len(watchPaths) > 0 {
		watcher, err := watch.New(log, watchPaths)
		if err != nil {
			log.Warn("failed to set up sequence watcher", "error", err)
		} else {
			s.watcher = watcher
			log.Info("sequence watcher initialized", "paths", watchPaths)
		}
	}
	return s, nil
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.jobCtx = ctx
	go s.hub.run(ctx)

	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.log.Error("failed to start sequence watcher", "error", err)
			return err
		}
		go s.forwardWatchEvents(ctx)
	}

	r := mux.NewRouter()
	s.setupRoutes(r)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		if s.watcher != nil {
			s.watcher.Stop()
		}
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/jobs", s.handleListJobs).Methods("GET")
	r.HandleFunc("/api/jobs", s.handleSubmitJob).Methods("POST")
	r.HandleFunc("/api/jobs/{id}", s.handleGetJob).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

func (s *Server) forwardWatchEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.hub.Publish(ProgressEvent{
				Name: "watch",
				Text: fmt.Sprintf("%s %s", ev.Operation, ev.Path),
			})
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, recs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	resp := map[string]any{"job": rec}
	if meta, err := s.store.JobMeta(id); err == nil {
		resp["result"] = meta
	}
	writeJSON(w, resp)
}

// JobRequest is the submission payload of POST /api/jobs.
type JobRequest struct {
	Type  string `json:"type"` // stack, cosmetic, banding, stats, convert
	Input string `json:"input"`

	// Output placement.
	Output         string `json:"output,omitempty"` // stack result path
	OutputDir      string `json:"outputDir,omitempty"`
	Prefix         string `json:"prefix,omitempty"`
	ForceContainer bool   `json:"forceContainer,omitempty"`
	Container      string `json:"container,omitempty"` // fits-cube, ser

	// Frame selection. Zero values leave a criterion unused.
	IncludeAll   bool    `json:"includeAll,omitempty"`
	MinQuality   float64 `json:"minQuality,omitempty"`
	MaxFWHM      float64 `json:"maxFwhm,omitempty"`
	MinRoundness float64 `json:"minRoundness,omitempty"`

	// Stacking.
	Method            string  `json:"method,omitempty"`
	SigmaLow          float64 `json:"sigmaLow,omitempty"`
	SigmaHigh         float64 `json:"sigmaHigh,omitempty"`
	NormalizeExposure bool    `json:"normalizeExposure,omitempty"`

	// Cosmetic correction.
	SigmaHot  float64 `json:"sigmaHot,omitempty"`
	SigmaCold float64 `json:"sigmaCold,omitempty"`

	// Banding removal.
	Amount   float64 `json:"amount,omitempty"`
	Vertical bool    `json:"vertical,omitempty"`

	StopOnError bool `json:"stopOnError,omitempty"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Input == "" {
		http.Error(w, "input is required", http.StatusBadRequest)
		return
	}

	seq, err := sequence.Open(req.Input)
	if err != nil {
		http.Error(w, fmt.Sprintf("open sequence: %v", err), http.StatusBadRequest)
		return
	}

	job, err := s.buildJob(&req, seq)
	if err != nil {
		seq.Close()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	job.ID = uuid.NewString()
	optionsJSON, _ := json.Marshal(req)
	if err := s.store.RecordJobQueued(storage.JobRecord{
		ID:          job.ID,
		JobType:     req.Type,
		Status:      "queued",
		InputPath:   req.Input,
		OutputPath:  req.Output,
		OptionsJSON: string(optionsJSON),
	}); err != nil {
		s.log.Warn("failed to record job", "job", job.ID, "error", err)
	}

	jobID, jobName := job.ID, job.Name
	job.Progress = func(done, total int, text string) {
		s.hub.Publish(ProgressEvent{JobID: jobID, Name: jobName, Done: done, Total: total, Text: text})
	}
	job.OnComplete = func(sum *engine.Summary) {
		defer seq.Close()
		errMsg := ""
		if sum.Err != nil {
			errMsg = sum.Err.Error()
		}
		if rerr := s.store.RecordJobResult(jobID, string(sum.Status), map[string]any{
			"total":     sum.Total,
			"processed": sum.Processed,
			"failed":    sum.Failed(),
			"written":   sum.Written,
			"output":    sum.OutputSeq,
			"elapsedMs": sum.Elapsed.Milliseconds(),
		}, errMsg); rerr != nil {
			s.log.Warn("failed to record job result", "job", jobID, "error", rerr)
		}
		s.hub.Publish(ProgressEvent{
			JobID: jobID, Name: jobName,
			Done: sum.Processed, Total: sum.Total,
			Status: string(sum.Status),
		})
	}

	if err := s.store.RecordJobStart(job.ID); err != nil {
		s.log.Warn("failed to record job start", "job", job.ID, "error", err)
	}
	s.eng.Submit(s.jobCtx, job)

	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, map[string]string{"id": job.ID, "status": "running"})
}

// buildJob translates a request into an engine job with its hooks.
func (s *Server) buildJob(req *JobRequest, seq *sequence.Sequence) (*engine.Job, error) {
	filter, err := buildFilter(req)
	if err != nil {
		return nil, err
	}

	output := &engine.OutputSpec{
		Prefix:         req.Prefix,
		Directory:      req.OutputDir,
		ForceContainer: req.ForceContainer,
	}
	if req.Container != "" {
		format, err := parseContainer(req.Container)
		if err != nil {
			return nil, err
		}
		output.ContainerFormat = format
		output.ForceContainer = true
	}

	switch req.Type {
	case "stack":
		method, err := stack.ParseMethod(req.Method)
		if err != nil {
			return nil, err
		}
		st := stack.NewStacker(stack.Options{
			Method:            method,
			SigmaLow:          req.SigmaLow,
			SigmaHigh:         req.SigmaHigh,
			NormalizeExposure: req.NormalizeExposure,
			Output:            req.Output,
		}, s.log)
		job := stack.NewJob(seq, filter, st)
		job.StopOnError = req.StopOnError
		return job, nil

	case "cosmetic":
		return &engine.Job{
			Name:        "cosmetic",
			Seq:         seq,
			Filter:      filter,
			Image:       &ops.Cosmetic{SigmaHot: req.SigmaHot, SigmaCold: req.SigmaCold},
			Output:      output,
			Parallel:    true,
			StopOnError: req.StopOnError,
		}, nil

	case "banding":
		return &engine.Job{
			Name:        "banding",
			Seq:         seq,
			Filter:      filter,
			Image:       &ops.Banding{Amount: req.Amount, Vertical: req.Vertical},
			Output:      output,
			Parallel:    true,
			StopOnError: req.StopOnError,
		}, nil

	case "stats":
		st := &ops.FrameStats{}
		if s.store != nil {
			seqName := seq.Name
			st.Persist = func(index int, stats frame.Stats) error {
				return s.store.SaveFrameStats(seqName, storage.FrameRecord{
					Index:    index,
					Stats:    stats,
					Included: seq.Frames[index].Included,
				})
			}
		}
		return &engine.Job{
			Name:        "stats",
			Seq:         seq,
			Filter:      filter,
			Prepare:     st,
			Image:       st,
			Finalize:    st,
			Parallel:    true,
			StopOnError: req.StopOnError,
		}, nil

	case "convert":
		if req.Prefix == "" {
			output.Prefix = "conv_"
		}
		return &engine.Job{
			Name:        "convert",
			Seq:         seq,
			Filter:      sequence.All(),
			Image:       ops.Convert{},
			Output:      output,
			Parallel:    true,
			StopOnError: req.StopOnError,
		}, nil
	}
	return nil, fmt.Errorf("unknown job type %q", req.Type)
}

func buildFilter(req *JobRequest) (sequence.Filter, error) {
	if req.IncludeAll {
		return sequence.All(), nil
	}
	filters := []sequence.Filter{sequence.Included()}
	if req.MinQuality > 0 {
		filters = append(filters, sequence.MinQuality(req.MinQuality))
	}
	if req.MaxFWHM > 0 {
		filters = append(filters, sequence.MaxFWHM(req.MaxFWHM))
	}
	if req.MinRoundness > 0 {
		filters = append(filters, sequence.MinRoundness(req.MinRoundness))
	}
	return sequence.MultiFilter(filters...), nil
}

func parseContainer(name string) (framestore.Format, error) {
	switch name {
	case "fits-cube", "cube":
		return framestore.FITSCube, nil
	case "ser":
		return framestore.SERVideo, nil
	}
	return 0, fmt.Errorf("unknown container format %q", name)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	// The hub only drains these while it runs; during shutdown the
	// connection is dropped instead of blocking the handler.
	select {
	case s.hub.register <- conn:
	case <-s.jobCtx.Done():
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case s.hub.unregister <- conn:
			case <-s.jobCtx.Done():
				conn.Close()
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
