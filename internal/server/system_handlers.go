package server

import (
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/canopy/internal/database"
	"github.com/aristath/canopy/internal/domain"
	"github.com/aristath/canopy/internal/reliability"
	"github.com/aristath/canopy/internal/scheduler"
)

// SystemHandlers serves host diagnostics, device health and manual job
// triggers.
type SystemHandlers struct {
	log       zerolog.Logger
	dataDir   string
	version   string
	db        *database.DB
	health    *reliability.HealthTracker
	startedAt time.Time

	mu      sync.Mutex
	jobs    map[string]scheduler.Job
	running map[string]bool
	lastRun map[string]JobRun
}

// NewSystemHandlers creates system handlers. db and health may be nil.
func NewSystemHandlers(log zerolog.Logger, dataDir, version string, db *database.DB, health *reliability.HealthTracker) *SystemHandlers {
	return &SystemHandlers{
		log:       log.With().Str("component", "system_handlers").Logger(),
		dataDir:   dataDir,
		version:   version,
		db:        db,
		health:    health,
		startedAt: time.Now(),
		jobs:      make(map[string]scheduler.Job),
		running:   make(map[string]bool),
		lastRun:   make(map[string]JobRun),
	}
}

// SystemStatusResponse is the host and process summary.
type SystemStatusResponse struct {
	Version       string  `json:"version"`
	UptimeSec     int64   `json:"uptime_sec"`
	HostUptimeSec uint64  `json:"host_uptime_sec"`
	Hostname      string  `json:"hostname"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
	DiskFreeMB    float64 `json:"disk_free_mb"`
	Goroutines    int     `json:"goroutines"`
	LastChecked   string  `json:"last_checked"`
}

// DeviceStatus is one device's health with its derived state.
type DeviceStatus struct {
	domain.DeviceHealth
	State domain.HealthState `json:"state"`
}

// DatabaseStatsResponse summarizes the SQLite file.
type DatabaseStatsResponse struct {
	Path          string  `json:"path"`
	SizeMB        float64 `json:"size_mb"`
	WALSizeMB     float64 `json:"wal_size_mb"`
	PageCount     int64   `json:"page_count"`
	FreelistCount int64   `json:"freelist_count"`
	LastChecked   string  `json:"last_checked"`
}

// JobRun is the outcome of the last manual trigger of a job.
type JobRun struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// JobStatus describes a triggerable job.
type JobStatus struct {
	Name    string  `json:"name"`
	Running bool    `json:"running"`
	LastRun *JobRun `json:"last_run,omitempty"`
}

// SetJobs registers jobs for manual triggering
func (h *SystemHandlers) SetJobs(jobs ...scheduler.Job) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, j := range jobs {
		if j != nil {
			h.jobs[j.Name()] = j
		}
	}
}

// HandleSystemStatus returns host and process statistics
// GET /api/system
func (h *SystemHandlers) HandleSystemStatus(w http.ResponseWriter, r *http.Request) {
	cpuPercent, memPercent := h.getSystemStats()

	response := SystemStatusResponse{
		Version:       h.version,
		UptimeSec:     int64(time.Since(h.startedAt).Seconds()),
		CPUPercent:    cpuPercent,
		MemoryPercent: memPercent,
		Goroutines:    runtime.NumGoroutine(),
		LastChecked:   time.Now().Format(time.RFC3339),
	}

	if info, err := host.InfoWithContext(r.Context()); err == nil {
		response.Hostname = info.Hostname
		response.HostUptimeSec = info.Uptime
	} else {
		h.log.Warn().Err(err).Msg("Failed to get host info")
	}

	if h.dataDir != "" {
		if usage, err := disk.UsageWithContext(r.Context(), h.dataDir); err == nil {
			response.DiskPercent = usage.UsedPercent
			response.DiskFreeMB = float64(usage.Free) / 1024 / 1024
		} else {
			h.log.Warn().Err(err).Str("dir", h.dataDir).Msg("Failed to get disk usage")
		}
	}

	writeJSON(w, http.StatusOK, response, h.log)
}

// HandleDeviceHealth returns every tracked device's health
// GET /api/health
func (h *SystemHandlers) HandleDeviceHealth(w http.ResponseWriter, r *http.Request) {
	devices := []DeviceStatus{}
	if h.health != nil {
		for _, d := range h.health.All() {
			devices = append(devices, DeviceStatus{DeviceHealth: d, State: d.State()})
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"devices": devices}, h.log)
}

// HandleDatabaseStats returns database statistics
// GET /api/system/database
func (h *SystemHandlers) HandleDatabaseStats(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		http.Error(w, "Database not configured", http.StatusServiceUnavailable)
		return
	}

	stats, err := h.db.Stats(r.Context())
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to get database stats")
		http.Error(w, "Failed to get database stats", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, DatabaseStatsResponse{
		Path:          h.db.Path(),
		SizeMB:        float64(stats.SizeBytes) / 1024 / 1024,
		WALSizeMB:     float64(stats.WALSizeBytes) / 1024 / 1024,
		PageCount:     stats.PageCount,
		FreelistCount: stats.FreelistCount,
		LastChecked:   time.Now().Format(time.RFC3339),
	}, h.log)
}

// HandleJobsStatus lists the triggerable jobs
// GET /api/system/jobs
func (h *SystemHandlers) HandleJobsStatus(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	jobs := make([]JobStatus, 0, len(h.jobs))
	for name := range h.jobs {
		st := JobStatus{Name: name, Running: h.running[name]}
		if run, ok := h.lastRun[name]; ok {
			st.LastRun = &run
		}
		jobs = append(jobs, st)
	}
	h.mu.Unlock()

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Name < jobs[j].Name })
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs}, h.log)
}

// HandleTriggerJob runs a job in the background
// POST /api/system/jobs/{name}
func (h *SystemHandlers) HandleTriggerJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	h.mu.Lock()
	job, ok := h.jobs[name]
	if !ok {
		h.mu.Unlock()
		http.Error(w, "Unknown job", http.StatusNotFound)
		return
	}
	if h.running[name] {
		h.mu.Unlock()
		http.Error(w, "Job already running", http.StatusConflict)
		return
	}
	h.running[name] = true
	h.lastRun[name] = JobRun{StartedAt: time.Now()}
	h.mu.Unlock()

	go h.runJob(job)

	h.log.Info().Str("job", name).Msg("Job triggered manually")
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "triggered",
		"job":    name,
	}, h.log)
}

func (h *SystemHandlers) runJob(job scheduler.Job) {
	name := job.Name()
	err := job.Run()

	h.mu.Lock()
	defer h.mu.Unlock()
	run := h.lastRun[name]
	run.FinishedAt = time.Now()
	if err != nil {
		run.Error = err.Error()
		h.log.Error().Err(err).Str("job", name).Msg("Manually triggered job failed")
	}
	h.lastRun[name] = run
	h.running[name] = false
}

// getSystemStats calculates CPU and RAM usage percentages over a short
// sampling window.
func (h *SystemHandlers) getSystemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}

	return cpuAvg, memStat.UsedPercent
}
