package powertest

import "fmt"

// Phase tracks where the accumulator is relative to the test pulses.
type Phase int

// Names for the possible values of Phase
const (
	WaitingForStart Phase = iota // discarding samples until a Falling edge opens an interval
	Accumulating                 // inside a test interval, summing current
)

func (p Phase) String() string {
	if p == WaitingForStart {
		return "WaitingForStart"
	}
	return "Accumulating"
}

// TestReport is the result for one completed test interval. It is emitted
// exactly once per interval, in completion order, and never modified after.
//
// The sample bearing the Falling edge counts toward the interval it opens;
// the sample bearing the Rising edge belongs to no interval. SampleCount
// therefore covers the half-open span [StartSeq, EndSeq).
type TestReport struct {
	Index         int // 0-based test ordinal
	SampleCount   int
	MeanMicroAmps float64
	Degenerate    bool // interval closed with zero samples; MeanMicroAmps is meaningless
	StartSeq      SampleIndex
	EndSeq        SampleIndex
}

func (r TestReport) String() string {
	if r.Degenerate {
		return fmt.Sprintf("test %d: degenerate (0 samples in [%d,%d))", r.Index, r.StartSeq, r.EndSeq)
	}
	return fmt.Sprintf("test %d: %.4f mA over %d samples", r.Index, r.MeanMicroAmps/1000, r.SampleCount)
}

// AnomalyKind distinguishes the ways a pin pulse can violate the expected
// Falling/Rising alternation.
type AnomalyKind int

// Names for the possible values of AnomalyKind
const (
	DuplicateFalling AnomalyKind = iota // Falling while already accumulating
	OrphanRising                        // Rising with no open interval
)

func (k AnomalyKind) String() string {
	if k == DuplicateFalling {
		return "duplicate falling edge"
	}
	return "orphan rising edge"
}

// Anomaly records one protocol violation. Individually these are diagnostic,
// not fatal; the session controller decides when too many is too many.
type Anomaly struct {
	Kind  AnomalyKind
	Seq   SampleIndex
	Phase Phase
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%s at sample %d (phase %s)", a.Kind, a.Seq, a.Phase)
}

// IntervalAccumulator reduces the tagged sample stream into one TestReport
// per Falling->Rising interval. It holds only running sums, so it needs no
// second pass over the data: each sample is accounted as it goes by.
type IntervalAccumulator struct {
	phase    Phase
	count    int
	sum      float64
	startSeq SampleIndex
	nDone    int
}

// Phase returns the accumulator's current phase.
func (a *IntervalAccumulator) Phase() Phase { return a.phase }

// Completed returns how many reports the accumulator has finalized.
func (a *IntervalAccumulator) Completed() int { return a.nDone }

// Process consumes one resolved sample. It returns a finalized report when
// the sample's transition closes an interval, and an anomaly when the
// transition does not fit the expected alternation. At most one of the two
// is non-nil. The accumulator itself never aborts; anomalies flow upward and
// the run continues best effort.
func (a *IntervalAccumulator) Process(ts TaggedSample) (*TestReport, *Anomaly) {
	if ts.Transition == nil {
		if a.phase == Accumulating {
			a.sum += ts.MicroAmps
			a.count++
		}
		return nil, nil
	}

	switch ts.Transition.Kind {
	case Falling:
		if a.phase == Accumulating {
			// A repeated start pulse must not silently restart the
			// interval: keep the original anchor and keep accumulating.
			a.sum += ts.MicroAmps
			a.count++
			return nil, &Anomaly{Kind: DuplicateFalling, Seq: ts.Seq, Phase: a.phase}
		}
		a.phase = Accumulating
		a.sum = ts.MicroAmps
		a.count = 1
		a.startSeq = ts.Seq
		return nil, nil

	case Rising:
		if a.phase == WaitingForStart {
			return nil, &Anomaly{Kind: OrphanRising, Seq: ts.Seq, Phase: a.phase}
		}
		report := &TestReport{
			Index:       a.nDone,
			SampleCount: a.count,
			StartSeq:    a.startSeq,
			EndSeq:      ts.Seq,
		}
		if a.count > 0 {
			report.MeanMicroAmps = a.sum / float64(a.count)
		} else {
			report.Degenerate = true
		}
		a.nDone++
		a.phase = WaitingForStart
		a.sum = 0
		a.count = 0
		return report, nil
	}
	return nil, nil
}
