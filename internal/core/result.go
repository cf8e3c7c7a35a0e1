package core

// Completion is the full text a backend produced for a non-streaming request.
type Completion struct {
	Content      string
	FinishReason string
	Usage        *Usage
}

// Fragment is one incremental piece of streamed output.
// Index starts at 0 and increases by one per fragment of the same stream.
type Fragment struct {
	Content string
	Index   int
}

// FragmentStream is a lazy, finite, non-restartable sequence of fragments.
//
// Recv blocks until the next fragment is available. It returns io.EOF once the
// backend signalled the end of output; any other error is terminal. Close
// releases the backend handle and may be called at any point, more than once.
type FragmentStream interface {
	Recv() (Fragment, error)
	Close() error
}

// Result is what the backend adapter hands to the router: exactly one of
// Complete or Stream is set.
type Result struct {
	Complete *Completion
	Stream   FragmentStream
}

// IsStream reports whether the result carries a fragment stream.
func (r *Result) IsStream() bool {
	return r != nil && r.Stream != nil
}

// UsageReporter is implemented by fragment streams whose backend reports token
// counts at the end of the stream. Usage returns nil until then.
type UsageReporter interface {
	Usage() *Usage
}
