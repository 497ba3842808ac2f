package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/CZERTAINLY/Surveyor/internal/model"
	"github.com/CZERTAINLY/Surveyor/internal/store"
)

const maxLineSize = 16 * 1024 * 1024

var errNoURL = errors.New("missing url")

// httpxLine is the subset of the httpx -json line format we keep.
type httpxLine struct {
	URL           *string  `json:"url"`
	Input         string   `json:"input"`
	Host          string   `json:"host"`
	StatusCode    int      `json:"status_code"`
	Title         string   `json:"title"`
	WebServer     string   `json:"webserver"`
	ContentLength int      `json:"content_length"`
	Tech          []string `json:"tech"`
}

// ParseProbeOutput parses the probe output as independent JSON lines. Blank
// lines are skipped, every other line yields exactly one record: a malformed
// line becomes a record with ParseError and the original text in Raw.
func ParseProbeOutput(r io.Reader) ([]model.ProbeRecord, error) {
	records := []model.ProbeRecord{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		records = append(records, parseLine(lineNo, raw))
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("reading probe output: %w", err)
	}
	return records, nil
}

func parseLine(lineNo int, raw []byte) model.ProbeRecord {
	var line httpxLine
	err := json.Unmarshal(raw, &line)
	if err == nil && (line.URL == nil || *line.URL == "") {
		err = errNoURL
	}
	if err != nil {
		return model.ProbeRecord{
			Line:       lineNo,
			ParseError: err.Error(),
			Raw:        string(raw),
		}
	}
	return model.ProbeRecord{
		Line:          lineNo,
		URL:           *line.URL,
		Input:         line.Input,
		Host:          line.Host,
		StatusCode:    line.StatusCode,
		Title:         line.Title,
		WebServer:     line.WebServer,
		ContentLength: line.ContentLength,
		Tech:          line.Tech,
	}
}

func parseStep(_ context.Context, st *state) (model.StageOutcome, string) {
	st.records = []model.ProbeRecord{}
	if !st.present[store.HttpxFile] {
		st.log(slog.LevelInfo, "no probe output to parse")
		return model.StageSucceeded, "no probe output"
	}

	f, err := st.root.Open(store.HttpxFile)
	if err != nil {
		return model.StageFailedNonFatal, err.Error()
	}
	defer func() {
		_ = f.Close()
	}()

	records, err := ParseProbeOutput(f)
	st.records = records
	malformed := 0
	for _, r := range records {
		if r.Malformed() {
			malformed++
		}
	}
	st.log(slog.LevelInfo, "probe output parsed", slog.Int("records", len(records)), slog.Int("malformed", malformed))
	if err != nil {
		return model.StageFailedNonFatal, err.Error()
	}
	return model.StageSucceeded, ""
}
