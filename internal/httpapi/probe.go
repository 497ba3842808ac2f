package httpapi

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/CZERTAINLY/Surveyor/internal/model"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const probeHelp = "GET /results downloads the probe results as JSON lines, GET / shows this status"

// ProbeStatus tracks the progress of one probe run. Record is meant to be
// registered as a fetch.Pool observer.
type ProbeStatus struct {
	mx       sync.RWMutex
	base     string
	total    int
	started  time.Time
	finished time.Time
	counts   map[model.Class]int
	summary  *model.FetchSummary
}

func NewProbeStatus(base string, total int) *ProbeStatus {
	return &ProbeStatus{
		base:    base,
		total:   total,
		started: time.Now().UTC(),
		counts:  make(map[model.Class]int),
	}
}

func (s *ProbeStatus) Record(r model.FetchResult) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.counts[r.Class]++
}

func (s *ProbeStatus) Finish(summary model.FetchSummary) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.finished = time.Now().UTC()
	s.summary = &summary
}

type probeStatusResponse struct {
	State    string              `json:"state"`
	Base     string              `json:"base"`
	Total    int                 `json:"total"`
	Done     int                 `json:"done"`
	Counts   map[model.Class]int `json:"counts"`
	Summary  *model.FetchSummary `json:"summary,omitempty"`
	Started  time.Time           `json:"started_at"`
	Finished *time.Time          `json:"finished_at,omitempty"`
	Help     string              `json:"help"`
}

func (s *ProbeStatus) snapshot() probeStatusResponse {
	s.mx.RLock()
	defer s.mx.RUnlock()
	ret := probeStatusResponse{
		State:   "running",
		Base:    s.base,
		Total:   s.total,
		Counts:  make(map[model.Class]int, len(model.Classes)),
		Started: s.started,
		Help:    probeHelp,
	}
	for _, c := range model.Classes {
		ret.Counts[c] = s.counts[c]
		ret.Done += s.counts[c]
	}
	if s.summary != nil {
		summary := *s.summary
		finished := s.finished
		ret.State = "finished"
		ret.Summary = &summary
		ret.Finished = &finished
	}
	return ret
}

// NewProbeRouter returns the side server of a probe run. resultsPath is the
// JSON lines file the run appends to.
func NewProbeRouter(status *ProbeStatus, resultsPath string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer, requestLog)

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		WriteJSON(w, http.StatusOK, status.snapshot())
	})
	r.Get("/results", func(w http.ResponseWriter, r *http.Request) {
		f, err := os.Open(resultsPath)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "not_found", Err: errors.New("no results yet")})
				return
			}
			WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "results_failed", Err: err})
			return
		}
		defer func() {
			_ = f.Close()
		}()
		info, err := f.Stat()
		if err != nil {
			WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "results_failed", Err: err})
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filepath.Base(resultsPath)))
		http.ServeContent(w, r, "", info.ModTime(), f)
	})
	return r
}
