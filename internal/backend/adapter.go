package backend

// Adapter is the model-framework integration point (spec.md §1 excludes
// framework kernels from scope; this interface is the seam a real
// framework binding plugs into). Preprocess and Postprocess run on worker
// pool threads; Forward runs on the single GPU executor thread against a
// batch assembled from one model instance's buffered tasks.
type Adapter interface {
	Preprocess(sessionID string, input []byte) (any, error)
	Forward(sessionID string, batch []any) ([]any, error)
	Postprocess(sessionID string, result any) ([]byte, error)
}

// EchoAdapter is a framework-less adapter used by tests and standalone
// demos: it passes the input bytes through Forward unchanged. It has no
// batching benefit of its own — useful only to exercise the pipeline's
// state machine and batching mechanics independent of any real framework.
type EchoAdapter struct{}

func (EchoAdapter) Preprocess(_ string, input []byte) (any, error) { return input, nil }

func (EchoAdapter) Forward(_ string, batch []any) ([]any, error) {
	out := make([]any, len(batch))
	copy(out, batch)
	return out, nil
}

func (EchoAdapter) Postprocess(_ string, result any) ([]byte, error) {
	b, _ := result.([]byte)
	return b, nil
}
