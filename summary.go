package powertest

import (
	"fmt"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// SessionSummary condenses the per-test averages of one measurement run into
// the figures a human wants at the end: how the suite's draw is distributed
// across tests. Degenerate intervals are excluded from the statistics but
// counted.
type SessionSummary struct {
	Tests           int
	TotalSamples    int
	Degenerate      int
	MeanMicroAmps   float64
	StdDevMicroAmps float64
	MinMicroAmps    float64
	MaxMicroAmps    float64
	HottestTest     int // index of the test with the highest average draw
}

// Summarize reduces a completed run's reports to a SessionSummary.
func Summarize(reports []TestReport) SessionSummary {
	s := SessionSummary{Tests: len(reports), HottestTest: -1}
	means := make([]float64, 0, len(reports))
	for _, r := range reports {
		s.TotalSamples += r.SampleCount
		if r.Degenerate {
			s.Degenerate++
			continue
		}
		means = append(means, r.MeanMicroAmps)
		if s.HottestTest < 0 || r.MeanMicroAmps > s.MaxMicroAmps {
			s.HottestTest = r.Index
			s.MaxMicroAmps = r.MeanMicroAmps
		}
	}
	if len(means) == 0 {
		return s
	}
	s.MeanMicroAmps = stat.Mean(means, nil)
	s.MinMicroAmps = floats.Min(means)
	s.MaxMicroAmps = floats.Max(means)
	if len(means) > 1 {
		s.StdDevMicroAmps = stat.StdDev(means, nil)
	}
	return s
}

func (s SessionSummary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d tests, %d samples", s.Tests, s.TotalSamples)
	if s.Degenerate > 0 {
		fmt.Fprintf(&b, " (%d degenerate intervals)", s.Degenerate)
	}
	if s.Tests > s.Degenerate {
		fmt.Fprintf(&b, "; mean %.4f mA, sd %.4f mA, range [%.4f, %.4f] mA, hottest test %d",
			s.MeanMicroAmps/1000, s.StdDevMicroAmps/1000,
			s.MinMicroAmps/1000, s.MaxMicroAmps/1000, s.HottestTest)
	}
	return b.String()
}
