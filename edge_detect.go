package powertest

import "fmt"

// EdgeKind distinguishes the two directions of a pin transition.
type EdgeKind int

// Names for the possible values of EdgeKind
const (
	Falling EdgeKind = iota // pin went high -> low (a test started)
	Rising                  // pin went low -> high (a test finished)
)

func (k EdgeKind) String() string {
	if k == Falling {
		return "falling"
	}
	return "rising"
}

// Transition is a debounced edge on the monitored pin. Seq names the first
// sample that held the new state, so downstream accounting is anchored where
// the pin actually changed, not where the debounce window happened to close.
type Transition struct {
	Kind EdgeKind
	Seq  SampleIndex
}

// TaggedSample pairs a sample with the transition it carries, if any.
type TaggedSample struct {
	Sample
	Transition *Transition
}

// DefaultDebounceWindow is the number of consecutive samples a new pin state
// must hold before it counts as a genuine transition.
const DefaultDebounceWindow = 2

// maxDebounceWindow bounds the window so that a misconfigured value cannot
// swallow entire test intervals. At the instrument's sample rates even a
// window of 32 is far below any plausible inter-edge gap.
const maxDebounceWindow = 32

// EdgeDetector turns the raw pin-state stream into debounced Falling/Rising
// transitions. It is a pure filter: it never drops or reorders samples, and
// it never fails once constructed. While a candidate transition is pending
// confirmation the samples in the new state are held back; on confirmation
// they are released with the first one tagged, and on a revert (a glitch
// shorter than the window) they are released untagged.
type EdgeDetector struct {
	window   int
	primed   bool
	accepted bool     // last confirmed pin state
	pending  []Sample // samples held while a candidate transition awaits confirmation
}

// NewEdgeDetector creates an EdgeDetector with the given debounce window,
// counted in consecutive samples. A window of 1 disables debouncing.
func NewEdgeDetector(window int) (*EdgeDetector, error) {
	if window < 1 || window > maxDebounceWindow {
		return nil, fmt.Errorf("debounce window %d out of range [1,%d]", window, maxDebounceWindow)
	}
	return &EdgeDetector{window: window, pending: make([]Sample, 0, window)}, nil
}

// Process consumes one sample and returns the samples that are now resolved,
// in stream order.
func (d *EdgeDetector) Process(s Sample) []TaggedSample {
	// The pin's state at the first sample is the baseline; no transition is
	// implied at stream start.
	if !d.primed {
		d.primed = true
		d.accepted = s.PinHigh
		return []TaggedSample{{Sample: s}}
	}

	if len(d.pending) > 0 {
		if s.PinHigh == d.accepted {
			// The candidate reverted within the window: a glitch. Release
			// the held samples untagged; the debounce state is clean again,
			// so a genuine transition that follows starts a fresh window.
			out := make([]TaggedSample, 0, len(d.pending)+1)
			for _, p := range d.pending {
				out = append(out, TaggedSample{Sample: p})
			}
			out = append(out, TaggedSample{Sample: s})
			d.pending = d.pending[:0]
			return out
		}
		d.pending = append(d.pending, s)
		if len(d.pending) < d.window {
			return nil
		}
		return d.confirm()
	}

	if s.PinHigh == d.accepted {
		return []TaggedSample{{Sample: s}}
	}
	d.pending = append(d.pending, s)
	if len(d.pending) < d.window {
		return nil
	}
	return d.confirm()
}

// confirm accepts the pending candidate as a genuine transition and releases
// the held samples, the first one tagged with the transition.
func (d *EdgeDetector) confirm() []TaggedSample {
	kind := Rising
	if !d.pending[0].PinHigh {
		kind = Falling
	}
	tr := &Transition{Kind: kind, Seq: d.pending[0].Seq}
	out := make([]TaggedSample, 0, len(d.pending))
	for i, p := range d.pending {
		ts := TaggedSample{Sample: p}
		if i == 0 {
			ts.Transition = tr
		}
		out = append(out, ts)
	}
	d.accepted = d.pending[0].PinHigh
	d.pending = d.pending[:0]
	return out
}

// Flush releases any samples still held for an unconfirmed candidate. Call
// when the stream ends so the tail of the stream is not lost.
func (d *EdgeDetector) Flush() []TaggedSample {
	if len(d.pending) == 0 {
		return nil
	}
	out := make([]TaggedSample, 0, len(d.pending))
	for _, p := range d.pending {
		out = append(out, TaggedSample{Sample: p})
	}
	d.pending = d.pending[:0]
	return out
}
