// Package commands holds the tokenshield-demo CLI's subcommand factories.
// Shared CLI-wide state (the wired Pipeline, output mode) lives here at
// package scope, mirroring the teacher's cmd/pllm/commands package-level
// SetDB/SetOutputJSON/SetVerbose pattern.
package commands

import (
	"fmt"

	"github.com/christireid/tokenshield/metrics"
	"github.com/christireid/tokenshield/pipeline"
)

var (
	pl         *pipeline.Pipeline
	rec        *metrics.Recorder
	outputJSON bool
	verbose    bool
)

// SetPipeline installs the Pipeline every subcommand operates against.
func SetPipeline(p *pipeline.Pipeline) { pl = p }

// SetMetricsRecorder installs the Prometheus Recorder attached to the
// Pipeline's event bus, for subcommands that want to report gauge values
// rather than just the Pipeline's own accessor snapshots.
func SetMetricsRecorder(r *metrics.Recorder) { rec = r }

func SetOutputJSON(v bool) { outputJSON = v }
func SetVerbose(v bool)    { verbose = v }

func requirePipeline() (*pipeline.Pipeline, error) {
	if pl == nil {
		return nil, fmt.Errorf("pipeline not initialized")
	}
	return pl, nil
}
