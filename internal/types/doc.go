// Package types holds the data model shared by every stage of the pipeline:
// frames, classification results, outcomes and the PipelineError variant.
//
// The package has no dependencies on other internal packages so that capture,
// inference and presentation code can exchange values without import cycles.
package types
