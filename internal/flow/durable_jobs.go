package flow

import (
	"github.com/BTreeMap/PaceMate/internal/activity"
	"github.com/BTreeMap/PaceMate/internal/store"
)

// RegisterJobHandlers wires the durable job kinds to their handlers.
func RegisterJobHandlers(runner *store.JobRunner, analyzer *activity.ProfileAnalyzer) {
	if analyzer != nil {
		runner.RegisterHandler(activity.ProfileJobKind, analyzer.Handle)
	}
}
