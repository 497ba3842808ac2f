package pipeline

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Surveyor/internal/model"
)

// Merge reads newline separated entries from all readers and returns them
// deduplicated and sorted lexicographically. No readers give an empty,
// non-nil list.
func Merge(readers ...io.Reader) ([]string, error) {
	seen := make(map[string]struct{})
	for _, r := range readers {
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			entry := strings.ToLower(strings.TrimSpace(scanner.Text()))
			if entry == "" {
				continue
			}
			seen[entry] = struct{}{}
		}
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("reading merge input: %w", err)
		}
	}

	ret := make([]string, 0, len(seen))
	for entry := range seen {
		ret = append(ret, entry)
	}
	slices.Sort(ret)
	return ret, nil
}

// mergeStep merges the artifacts of the given stages which are present and
// writes the result into the stage output. It always writes the output,
// an empty file for no inputs.
func mergeStep(inputs ...string) stepFunc {
	return func(ctx context.Context, st *state) (model.StageOutcome, string) {
		var readers []io.Reader
		for _, name := range inputs {
			if !st.present[name] {
				st.log(slog.LevelInfo, "merge input absent", slog.String("artifact", name))
				continue
			}
			f, err := st.root.Open(name)
			if err != nil {
				st.log(slog.LevelWarn, "merge input can't be opened", slog.String("artifact", name), slog.String("error", err.Error()))
				continue
			}
			defer func() {
				_ = f.Close()
			}()
			readers = append(readers, f)
		}

		targets, err := Merge(readers...)
		if err != nil {
			st.targets = []string{}
			return model.StageFailedNonFatal, err.Error()
		}
		st.targets = targets

		var b strings.Builder
		for _, t := range targets {
			b.WriteString(t)
			b.WriteByte('\n')
		}
		if err := st.writeFile(st.stage.Output, []byte(b.String())); err != nil {
			return model.StageFailedNonFatal, err.Error()
		}
		st.log(slog.LevelInfo, "targets merged", slog.Int("inputs", len(readers)), slog.Int("targets", len(targets)))
		return model.StageSucceeded, ""
	}
}
