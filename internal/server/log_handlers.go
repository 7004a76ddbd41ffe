package server

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const maxLogLines = 10000

// journalReader returns the last n lines of a systemd unit's journal.
type journalReader func(ctx context.Context, unit string, lines int) ([]byte, error)

// LogHandlers handles log access via journalctl
type LogHandlers struct {
	log     zerolog.Logger
	unit    string
	journal journalReader
}

// NewLogHandlers creates log handlers reading unit's journal
func NewLogHandlers(log zerolog.Logger, unit string) *LogHandlers {
	if unit == "" {
		unit = "canopy"
	}
	return &LogHandlers{
		log:     log.With().Str("component", "log_handlers").Logger(),
		unit:    unit,
		journal: readJournal,
	}
}

// LogContentResponse represents log content
type LogContentResponse struct {
	Lines  []string `json:"lines"`
	Total  int      `json:"total"`
	Status string   `json:"status"`
}

// HandleGetLogs returns recent log lines, filtered by ?level and ?search
// GET /api/system/logs?lines=N
func (h *LogHandlers) HandleGetLogs(w http.ResponseWriter, r *http.Request) {
	level := strings.ToUpper(r.URL.Query().Get("level"))
	search := r.URL.Query().Get("search")
	h.serve(w, r, parseLines(r.URL.Query().Get("lines"), 100), level, search)
}

// HandleGetErrors returns only error lines
// GET /api/system/logs/errors?lines=N
func (h *LogHandlers) HandleGetErrors(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, parseLines(r.URL.Query().Get("lines"), 500), "ERROR", "")
}

func (h *LogHandlers) serve(w http.ResponseWriter, r *http.Request, lines int, level, search string) {
	h.log.Debug().
		Int("lines", lines).
		Str("level", level).
		Str("search", search).
		Msg("Getting log content from journalctl")

	output, err := h.journal(r.Context(), h.unit, lines)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to read journalctl logs")
		http.Error(w, "Failed to read logs", http.StatusInternalServerError)
		return
	}

	logLines := strings.Split(strings.TrimSpace(string(output)), "\n")
	if len(logLines) == 1 && logLines[0] == "" {
		logLines = []string{}
	}

	writeJSON(w, http.StatusOK, LogContentResponse{
		Lines:  filterLogs(logLines, level, search),
		Total:  len(logLines),
		Status: "ok",
	}, h.log)
}

func parseLines(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return min(n, maxLogLines)
}

func readJournal(ctx context.Context, unit string, lines int) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "journalctl", "-u", unit,
		fmt.Sprintf("--lines=%d", lines),
		"--output=cat",
		"--no-pager")
	return cmd.Output()
}

// filterLogs filters log lines by level and search term
func filterLogs(lines []string, level string, search string) []string {
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		if level != "" && !lineMatchesLevel(line, level) {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(line), strings.ToLower(search)) {
			continue
		}
		filtered = append(filtered, line)
	}
	return filtered
}

// lineMatchesLevel supports zerolog JSON lines and console-formatted lines.
func lineMatchesLevel(line string, level string) bool {
	if strings.Contains(line, `"level"`) {
		return strings.Contains(strings.ToLower(line), `"level":"`+strings.ToLower(level)+`"`)
	}

	upperLine := strings.ToUpper(line)
	upperLevel := strings.ToUpper(level)
	if strings.Contains(upperLine, upperLevel+":") ||
		strings.Contains(upperLine, "["+upperLevel+"]") ||
		strings.Contains(upperLine, " "+upperLevel+" ") {
		return true
	}
	abbrev, ok := consoleLevels[upperLevel]
	return ok && strings.Contains(upperLine, " "+abbrev+" ")
}

// consoleLevels are zerolog's ConsoleWriter level abbreviations.
var consoleLevels = map[string]string{
	"DEBUG": "DBG",
	"INFO":  "INF",
	"WARN":  "WRN",
	"ERROR": "ERR",
}
