package pipeline

import (
	"context"
	"strings"

	"github.com/CZERTAINLY/Surveyor/internal/model"
	"github.com/CZERTAINLY/Surveyor/internal/store"
)

// Argument placeholders. Each one is replaced inside a single argument, the
// argument list is never joined into a shell string.
const (
	phHost   = "{host}"
	phOutput = "{output}"
	phInput  = "{input}"
)

type stepFunc func(ctx context.Context, st *state) (model.StageOutcome, string)

// Stage is one step of the pipeline. Tool stages run an external binary,
// the others run a step in process.
type Stage struct {
	Name string
	Tool model.Tool
	Args []string
	// Output is the artifact the stage produces.
	Output string
	// Capture writes the stdout of the tool into Output.
	Capture bool
	// Input must have been produced by an earlier stage and be non-empty,
	// otherwise the stage is skipped as failed.
	Input string

	step stepFunc
}

func (s Stage) IsTool() bool {
	return s.step == nil
}

// DefaultStages returns the recon pipeline: two passive discovery tools,
// merge of their outputs, HTTP probing of the merged list, parsing of the
// probe output and persistence of the results.
func DefaultStages(cfg model.Pipeline) []Stage {
	return []Stage{
		{
			Name:   "subfinder",
			Tool:   cfg.Subfinder,
			Args:   []string{"-d", phHost, "-silent", "-o", phOutput},
			Output: store.SubfinderFile,
		},
		{
			Name:    "assetfinder",
			Tool:    cfg.Assetfinder,
			Args:    []string{"--subs-only", phHost},
			Output:  store.AssetfinderFile,
			Capture: true,
		},
		{
			Name:   "merge",
			Output: store.TargetsFile,
			step:   mergeStep(store.SubfinderFile, store.AssetfinderFile),
		},
		{
			Name:   "httpx",
			Tool:   cfg.Httpx,
			Args:   []string{"-l", phInput, "-json", "-silent", "-o", phOutput},
			Input:  store.TargetsFile,
			Output: store.HttpxFile,
		},
		{
			Name:  "parse",
			Input: store.HttpxFile,
			step:  parseStep,
		},
		{
			Name: "persist",
			step: persistStep,
		},
	}
}

func (s Stage) expandArgs(hostname, inputPath, outputPath string) []string {
	r := strings.NewReplacer(phHost, hostname, phInput, inputPath, phOutput, outputPath)
	args := make([]string, len(s.Args))
	for i, a := range s.Args {
		args[i] = r.Replace(a)
	}
	return args
}
