package clients

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/lyzr/modelrelay/common/models"
)

// Status bodies use one camelCase profile:
//
//	{"status":"cloning","progress":40,"currentFile":"model.safetensors","totalFiles":4,
//	 "downloadedSize":1024,"totalSize":4096,"error":null,"logs":[{"message":"..","level":"info"}]}
//
// Transfer status reports transferredSize instead of downloadedSize.

var displaySize = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*([kmgt]?i?b?|bytes)$`)

var sizeUnits = map[string]float64{
	"":      1,
	"b":     1,
	"bytes": 1,
	"k":     1 << 10, "kb": 1 << 10, "kib": 1 << 10,
	"m": 1 << 20, "mb": 1 << 20, "mib": 1 << 20,
	"g": 1 << 30, "gb": 1 << 30, "gib": 1 << 30,
	"t": 1 << 40, "tb": 1 << 40, "tib": 1 << 40,
}

// parseSnapshot normalizes a status body into a fully populated snapshot
func parseSnapshot(body []byte, kind models.Kind) *models.Snapshot {
	doneField := "downloadedSize"
	if kind == models.KindTransfer {
		doneField = "transferredSize"
	}

	fields := gjson.GetManyBytes(body, "status", "progress", "currentFile", "totalFiles",
		doneField, "totalSize", "error", "message", "logs")

	snap := &models.Snapshot{
		Status:      models.ParseStatus(fields[0].String()),
		Progress:    int(math.Round(fields[1].Float())),
		CurrentFile: fields[2].String(),
		TotalFiles:  int(fields[3].Int()),
		Error:       fields[6].String(),
		Message:     fields[7].String(),
		Logs:        parseLogs(fields[8]),
	}

	done, okDone := sizeValue(fields[4])
	total, okTotal := sizeValue(fields[5])
	if okDone || okTotal {
		snap.Size = &models.SizeInfo{Done: done, Total: total}
	}

	if snap.Status == models.StatusFailed && snap.Error == "" {
		snap.Error = snap.Message
	}

	return snap
}

func parseLogs(result gjson.Result) []models.LogEntry {
	logs := []models.LogEntry{}
	if !result.IsArray() {
		return logs
	}

	result.ForEach(func(_, entry gjson.Result) bool {
		if entry.Type == gjson.String {
			logs = append(logs, models.LogEntry{Message: entry.String(), Severity: models.SeverityInfo})
			return true
		}

		le := models.LogEntry{
			Message:  entry.Get("message").String(),
			Severity: parseSeverity(firstString(entry, "severity", "level", "type")),
		}
		if ts := entry.Get("timestamp"); ts.Exists() {
			if parsed, err := time.Parse(time.RFC3339Nano, ts.String()); err == nil {
				le.Timestamp = parsed
			}
		}
		logs = append(logs, le)
		return true
	})

	return logs
}

func firstString(r gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			return v.String()
		}
	}
	return ""
}

func parseSeverity(s string) models.Severity {
	switch strings.ToLower(s) {
	case "success":
		return models.SeveritySuccess
	case "warning", "warn":
		return models.SeverityWarning
	case "error":
		return models.SeverityError
	default:
		return models.SeverityInfo
	}
}

// sizeValue reads byte counts given as numbers, numeric strings or display strings
func sizeValue(r gjson.Result) (int64, bool) {
	switch r.Type {
	case gjson.Number:
		return r.Int(), true
	case gjson.String:
		return parseDisplaySize(r.String())
	}
	return 0, false
}

func parseDisplaySize(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}

	m := displaySize.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	unit, ok := sizeUnits[strings.ToLower(m[2])]
	if !ok {
		return 0, false
	}
	return int64(value * unit), true
}

// errorMessage pulls a human message out of an error body
func errorMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(string(body))
	}
	for _, field := range []string{"error", "detail", "message"} {
		if v := gjson.GetBytes(body, field); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
