package powertest

// SampleIndex is used for counting samples in a measurement stream.
type SampleIndex int64

// Sample is one reading from the power profiler: the instantaneous current
// draw of the target plus the state of the monitored logic-port pin at the
// same instant. Samples arrive strictly ordered by Seq and are consumed
// exactly once.
type Sample struct {
	Seq       SampleIndex
	MicroAmps float64
	PinHigh   bool
}

// SampleSource is the interface for hardware or simulated sources that
// produce the ordered sample stream. The source owns any background reader
// it needs to keep the instrument's transport drained; completed samples
// cross to the consumer over the channel returned by Samples, which the
// source closes when the stream ends.
type SampleSource interface {
	// Samples returns the channel carrying the ordered sample stream.
	// Receiving may block for as long as the instrument takes to produce
	// the next sample; the channel is closed on stream end.
	Samples() <-chan Sample

	// Close shuts the source down. It must be idempotent and safe to call
	// from the consumer at any time, including after the stream has ended.
	Close() error
}

func closeIfOpen(c chan struct{}) {
	select {
	case <-c:
	default:
		close(c)
	}
}
