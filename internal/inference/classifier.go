package inference

import (
	"context"

	"github.com/Wind-Explorer/FontFinder/internal/types"
)

// Classifier is the font model seen as a black box. It may be slow and may
// fail; the engine never calls it concurrently with itself.
type Classifier interface {
	Classify(ctx context.Context, frame *types.Frame) (types.ClassificationResult, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, frame *types.Frame) (types.ClassificationResult, error)

// Classify implements Classifier.
func (f ClassifierFunc) Classify(ctx context.Context, frame *types.Frame) (types.ClassificationResult, error) {
	return f(ctx, frame)
}

// Loader is implemented by classifiers that need an explicit, possibly slow,
// model load before the first Classify (e.g. a worker process).
type Loader interface {
	Load(ctx context.Context) error
}

// Publisher receives every completed outcome. resultslot.Slot implements it.
type Publisher interface {
	Publish(types.Outcome)
}
