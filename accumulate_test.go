package powertest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func tagged(seq SampleIndex, ua float64, kind EdgeKind, tag bool) TaggedSample {
	ts := TaggedSample{Sample: Sample{Seq: seq, MicroAmps: ua, PinHigh: kind == Rising}}
	if tag {
		ts.Transition = &Transition{Kind: kind, Seq: seq}
	}
	return ts
}

func TestAccumulatorBasicInterval(t *testing.T) {
	var acc IntervalAccumulator
	assert.Equal(t, WaitingForStart, acc.Phase())

	// Idle samples before the first falling edge are discarded.
	for seq := 0; seq < 3; seq++ {
		report, anomaly := acc.Process(tagged(SampleIndex(seq), 500, Rising, false))
		assert.Nil(t, report)
		assert.Nil(t, anomaly)
	}

	// Falling edge opens the interval; its sample counts.
	report, anomaly := acc.Process(tagged(3, 90, Falling, true))
	assert.Nil(t, report)
	assert.Nil(t, anomaly)
	assert.Equal(t, Accumulating, acc.Phase())

	acc.Process(tagged(4, 100, Falling, false))
	acc.Process(tagged(5, 110, Falling, false))

	// Rising edge closes the interval; its sample is excluded.
	report, anomaly = acc.Process(tagged(6, 9999, Rising, true))
	assert.Nil(t, anomaly)
	if assert.NotNil(t, report) {
		assert.Equal(t, 0, report.Index)
		assert.Equal(t, 3, report.SampleCount)
		assert.InDelta(t, 100.0, report.MeanMicroAmps, 1e-9)
		assert.Equal(t, SampleIndex(3), report.StartSeq)
		assert.Equal(t, SampleIndex(6), report.EndSeq)
		assert.False(t, report.Degenerate)
	}
	assert.Equal(t, WaitingForStart, acc.Phase())
	assert.Equal(t, 1, acc.Completed())
}

func TestAccumulatorIndexIncrements(t *testing.T) {
	var acc IntervalAccumulator
	seq := SampleIndex(0)
	for i := 0; i < 4; i++ {
		acc.Process(tagged(seq, 10, Falling, true))
		seq++
		report, _ := acc.Process(tagged(seq, 10, Rising, true))
		seq++
		if report == nil || report.Index != i {
			t.Fatalf("interval %d: report %v", i, report)
		}
	}
	assert.Equal(t, 4, acc.Completed())
}

func TestAccumulatorMinimalInterval(t *testing.T) {
	// A falling edge immediately followed by a rising edge is a one-sample
	// interval, never a degenerate one: the opening sample always counts.
	var acc IntervalAccumulator
	acc.Process(tagged(0, 250, Falling, true))
	report, anomaly := acc.Process(tagged(1, 999, Rising, true))
	assert.Nil(t, anomaly)
	if assert.NotNil(t, report) {
		assert.Equal(t, 1, report.SampleCount)
		assert.Equal(t, 250.0, report.MeanMicroAmps)
		assert.False(t, report.Degenerate)
	}
}

func TestAccumulatorDuplicateFalling(t *testing.T) {
	var acc IntervalAccumulator
	acc.Process(tagged(0, 100, Falling, true))
	acc.Process(tagged(1, 100, Falling, false))

	report, anomaly := acc.Process(tagged(2, 100, Falling, true))
	assert.Nil(t, report)
	if assert.NotNil(t, anomaly) {
		assert.Equal(t, DuplicateFalling, anomaly.Kind)
		assert.Equal(t, SampleIndex(2), anomaly.Seq)
		assert.Equal(t, Accumulating, anomaly.Phase)
	}

	// The original anchor survives and the anomalous sample is counted
	// exactly once.
	report, anomaly = acc.Process(tagged(3, 100, Rising, true))
	assert.Nil(t, anomaly)
	if assert.NotNil(t, report) {
		assert.Equal(t, SampleIndex(0), report.StartSeq)
		assert.Equal(t, 3, report.SampleCount)
		assert.Equal(t, 100.0, report.MeanMicroAmps)
	}
}

func TestAccumulatorOrphanRising(t *testing.T) {
	var acc IntervalAccumulator
	report, anomaly := acc.Process(tagged(0, 100, Rising, true))
	assert.Nil(t, report)
	if assert.NotNil(t, anomaly) {
		assert.Equal(t, OrphanRising, anomaly.Kind)
		assert.Equal(t, WaitingForStart, anomaly.Phase)
	}
	assert.Equal(t, 0, acc.Completed())

	// The accumulator recovers: the next well-formed interval reports
	// normally with index 0.
	acc.Process(tagged(1, 40, Falling, true))
	acc.Process(tagged(2, 60, Falling, false))
	report, anomaly = acc.Process(tagged(3, 0, Rising, true))
	assert.Nil(t, anomaly)
	if assert.NotNil(t, report) {
		assert.Equal(t, 0, report.Index)
		assert.Equal(t, 2, report.SampleCount)
		assert.Equal(t, 50.0, report.MeanMicroAmps)
	}
}
