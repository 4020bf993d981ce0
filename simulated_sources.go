package powertest

// SimulatedSource synthesizes the sample stream an instrumented target
// produces: a pin-high setup stretch, then for each test a pin-low interval
// of constant current, then a pin-high gap. It is deterministic, so tests
// can predict every report to the last sample.
type SimulatedSource struct {
	cfg     SimConfig
	samples chan Sample
	abort   chan struct{}
}

// SimConfig holds the script for a SimulatedSource.
type SimConfig struct {
	NumTests      int
	SetupSamples  int     // leading pin-high samples before the first test
	TestSamples   int     // pin-low samples per test interval
	GapSamples    int     // pin-high samples between tests and after the last
	BaseMicroAmps float64 // current drawn during test 0
	StepMicroAmps float64 // extra current per test index, so averages differ
	IdleMicroAmps float64 // current drawn while the pin is high

	// Glitches lists sample ordinals at which the pin state is inverted for
	// exactly one sample, to exercise debouncing.
	Glitches []SampleIndex
}

// NewSimulatedSource creates a SimulatedSource and begins producing samples
// immediately. The stream ends (channel closes) after the scripted run.
func NewSimulatedSource(cfg SimConfig) *SimulatedSource {
	ss := &SimulatedSource{
		cfg:     cfg,
		samples: make(chan Sample, 256),
		abort:   make(chan struct{}),
	}
	go ss.run()
	return ss
}

// Samples returns the channel carrying the scripted stream.
func (ss *SimulatedSource) Samples() <-chan Sample { return ss.samples }

// Close aborts production. Idempotent; always succeeds.
func (ss *SimulatedSource) Close() error {
	closeIfOpen(ss.abort)
	return nil
}

func (ss *SimulatedSource) run() {
	defer close(ss.samples)
	glitch := make(map[SampleIndex]bool, len(ss.cfg.Glitches))
	for _, g := range ss.cfg.Glitches {
		glitch[g] = true
	}

	seq := SampleIndex(0)
	emit := func(pinHigh bool, microAmps float64) bool {
		if glitch[seq] {
			pinHigh = !pinHigh
		}
		s := Sample{Seq: seq, MicroAmps: microAmps, PinHigh: pinHigh}
		seq++
		select {
		case ss.samples <- s:
			return true
		case <-ss.abort:
			return false
		}
	}

	for i := 0; i < ss.cfg.SetupSamples; i++ {
		if !emit(true, ss.cfg.IdleMicroAmps) {
			return
		}
	}
	for test := 0; test < ss.cfg.NumTests; test++ {
		draw := ss.cfg.BaseMicroAmps + float64(test)*ss.cfg.StepMicroAmps
		for i := 0; i < ss.cfg.TestSamples; i++ {
			if !emit(false, draw) {
				return
			}
		}
		for i := 0; i < ss.cfg.GapSamples; i++ {
			if !emit(true, ss.cfg.IdleMicroAmps) {
				return
			}
		}
	}
}
