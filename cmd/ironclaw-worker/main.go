// Package main is the ironclaw-worker binary: the process a LocalRunner
// execs for every sandboxed Container-domain tool call. The actual work
// lives in internal/workerproc, shared with `ironclaw worker`.
package main

import (
	"flag"
	"os"

	"github.com/danielsimonjr/ironclaw/internal/workerproc"
)

func main() {
	jobID := flag.String("job-id", "", "sandboxed job id")
	toolName := flag.String("tool", "", "tool name to execute")
	flag.Parse()

	os.Exit(workerproc.Run(workerproc.Options{JobID: *jobID, ToolName: *toolName}))
}
