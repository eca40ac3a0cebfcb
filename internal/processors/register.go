package processors

import (
	"arbatch/internal/batch"
	"arbatch/internal/store"
)

// Deps carries what the built-in processors need.
type Deps struct {
	Store store.ContentStore

	// ExportDir is where data_export writes its files. Empty means "./exports".
	ExportDir string
}

// RegisterAll registers the five built-in processors.
func RegisterAll(reg *batch.Registry, deps Deps) error {
	procs := map[string]batch.Processor{
		batch.TypeMarkerOptimization:    MarkerOptimization(deps.Store),
		batch.TypeMindARGeneration:      MindARGeneration(deps.Store),
		batch.TypeContentUpdate:         ContentUpdate(deps.Store),
		batch.TypeDataExport:            DataExport(deps.Store, deps.ExportDir),
		batch.TypeStatisticsAggregation: StatisticsAggregation(deps.Store),
	}
	for typ, p := range procs {
		if err := reg.Register(typ, p); err != nil {
			return err
		}
	}
	return nil
}
