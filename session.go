package powertest

import (
	"fmt"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"
)

// DefaultIdleTimeout is how long the controller waits between transition
// events before concluding the device is never going to signal.
const DefaultIdleTimeout = 2 * time.Second

// DefaultAnomalyLimit is how many protocol anomalies a run tolerates before
// the controller treats them as a wiring or firmware defect.
const DefaultAnomalyLimit = 5

// SessionConfig collects the knobs for one measurement session.
type SessionConfig struct {
	ExpectedTests  int           // number of tests the device will run; must be > 0
	DebounceWindow int           // consecutive samples a new pin state must hold (0 means DefaultDebounceWindow)
	IdleTimeout    time.Duration // max wall-clock gap between transitions (0 means DefaultIdleTimeout)
	AnomalyLimit   int           // anomalies tolerated before the run aborts (0 means DefaultAnomalyLimit)
}

func (cfg SessionConfig) withDefaults() SessionConfig {
	if cfg.DebounceWindow == 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.AnomalyLimit == 0 {
		cfg.AnomalyLimit = DefaultAnomalyLimit
	}
	return cfg
}

// Validate reports configuration errors. It is meant to run before any
// device interaction, so a bad invocation fails without touching hardware.
func (cfg SessionConfig) Validate() error {
	cfg = cfg.withDefaults()
	if cfg.ExpectedTests < 1 {
		return fmt.Errorf("expected test count is %d, must be at least 1", cfg.ExpectedTests)
	}
	if _, err := NewEdgeDetector(cfg.DebounceWindow); err != nil {
		return err
	}
	if cfg.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout %v is negative", cfg.IdleTimeout)
	}
	if cfg.AnomalyLimit < 1 {
		return fmt.Errorf("anomaly limit is %d, must be at least 1", cfg.AnomalyLimit)
	}
	return nil
}

// Outcome strings for SessionStatus, also used as ClickHouse enum values.
const (
	OutcomeSuccess         = "success"
	OutcomeCountMismatch   = "count-mismatch"
	OutcomeIdleTimeout     = "idle-timeout"
	OutcomeAnomalyOverflow = "anomaly-overflow"
)

// SessionStatus is the end-of-session record handed to report sinks after
// the last report, whatever the outcome.
type SessionStatus struct {
	SessionID string
	Outcome   string
	Expected  int
	Completed int
	Anomalies int
	Summary   SessionSummary
	Message   string
}

// CountMismatchError is returned when the sample stream ends before the
// expected number of tests have completed.
type CountMismatchError struct {
	Completed int
	Expected  int
	LastSeq   SampleIndex
}

func (e *CountMismatchError) Error() string {
	return fmt.Sprintf("sample stream ended after %d of %d tests (last sample %d)",
		e.Completed, e.Expected, e.LastSeq)
}

// IdleTimeoutError is returned when no transition is observed for the
// configured window. It distinguishes a device that never signaled a start
// from one whose stream ended.
type IdleTimeoutError struct {
	Idle      time.Duration
	Phase     Phase
	Completed int
	Expected  int
	LastSeq   SampleIndex
}

func (e *IdleTimeoutError) Error() string {
	if e.Completed == 0 && e.Phase == WaitingForStart {
		return fmt.Sprintf("device never signaled a test start within %v (last sample %d)", e.Idle, e.LastSeq)
	}
	return fmt.Sprintf("no pin transition for %v after %d of %d tests (phase %s, last sample %d)",
		e.Idle, e.Completed, e.Expected, e.Phase, e.LastSeq)
}

// AnomalyOverflowError is returned when protocol anomalies exceed the
// configured limit. Persistent anomalies indicate a wiring or firmware
// defect rather than transient noise.
type AnomalyOverflowError struct {
	Count int
	Limit int
	Last  Anomaly
}

func (e *AnomalyOverflowError) Error() string {
	return fmt.Sprintf("%d protocol anomalies exceed limit %d, last: %s", e.Count, e.Limit, e.Last)
}

// SessionController owns one measurement run: it drives the sample stream
// through the edge detector and interval accumulator, publishes each
// finalized report in order, and terminates the session per policy. All
// pipeline state is owned by its single loop; nothing here needs a lock.
type SessionController struct {
	cfg       SessionConfig
	id        string
	source    SampleSource
	sink      ReportSink
	detector  *EdgeDetector
	acc       IntervalAccumulator
	trace     *TraceWriter
	reports   []TestReport
	anomalies []Anomaly
	lastSeq   SampleIndex
}

// NewSessionController validates the configuration and binds the pipeline.
// The source should already be streaming (or about to); the controller takes
// responsibility for closing it on every exit path of Run. A nil sink means
// LogSink; sinks that need the session ID can be attached afterwards with
// SetSink.
func NewSessionController(cfg SessionConfig, source SampleSource, sink ReportSink) (*SessionController, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	detector, err := NewEdgeDetector(cfg.DebounceWindow)
	if err != nil {
		return nil, err
	}
	if sink == nil {
		sink = LogSink{}
	}
	return &SessionController{
		cfg:      cfg,
		id:       ulid.Make().String(),
		source:   source,
		sink:     sink,
		detector: detector,
	}, nil
}

// ID returns the session's ULID, shared with all sinks.
func (sc *SessionController) ID() string { return sc.id }

// SetSink replaces the report sink. Must be called before Run.
func (sc *SessionController) SetSink(sink ReportSink) { sc.sink = sink }

// SetTraceWriter enables raw per-interval trace capture. Must be called
// before Run.
func (sc *SessionController) SetTraceWriter(tw *TraceWriter) { sc.trace = tw }

// Reports returns the reports finalized so far, in completion order.
func (sc *SessionController) Reports() []TestReport { return sc.reports }

// Run consumes the sample stream to a terminal outcome. It returns the
// end-of-session status (which has also been handed to the sink) and the
// terminal error, nil on success. The sample source is closed before Run
// returns, whatever the outcome.
func (sc *SessionController) Run() (SessionStatus, error) {
	defer func() {
		if err := sc.source.Close(); err != nil {
			ProblemLogger.Printf("closing sample source: %v", err)
		}
	}()

	samples := sc.source.Samples()
	idle := time.NewTimer(sc.cfg.IdleTimeout)
	defer idle.Stop()
	lastEvent := time.Now()

	for {
		select {
		case s, ok := <-samples:
			if !ok {
				// Stream exhausted. Resolve any samples held by the
				// detector; they cannot carry a transition, so no report
				// can emerge, but the accounting stays consistent.
				for _, ts := range sc.detector.Flush() {
					sc.acc.Process(ts)
				}
				err := &CountMismatchError{
					Completed: len(sc.reports),
					Expected:  sc.cfg.ExpectedTests,
					LastSeq:   sc.lastSeq,
				}
				return sc.finish(OutcomeCountMismatch, err.Error()), err
			}
			sc.lastSeq = s.Seq
			for _, ts := range sc.detector.Process(s) {
				if ts.Transition != nil {
					// The idle clock measures gaps between transition
					// events, not between raw samples: sample jitter is
					// expected and not itself an error.
					lastEvent = time.Now()
					if !idle.Stop() {
						select {
						case <-idle.C:
						default:
						}
					}
					idle.Reset(sc.cfg.IdleTimeout)
				}
				done, err := sc.consume(ts)
				if err != nil {
					return sc.finish(OutcomeAnomalyOverflow, err.Error()), err
				}
				if done {
					status := sc.finish(OutcomeSuccess, "")
					return status, nil
				}
			}

		case <-idle.C:
			err := &IdleTimeoutError{
				Idle:      time.Since(lastEvent),
				Phase:     sc.acc.Phase(),
				Completed: len(sc.reports),
				Expected:  sc.cfg.ExpectedTests,
				LastSeq:   sc.lastSeq,
			}
			return sc.finish(OutcomeIdleTimeout, err.Error()), err
		}
	}
}

// consume routes one resolved sample through the accumulator and handles
// whatever falls out: trace capture, anomalies, finalized reports. It
// returns done=true once the expected number of reports is complete.
func (sc *SessionController) consume(ts TaggedSample) (done bool, fatal error) {
	prevPhase := sc.acc.Phase()
	report, anomaly := sc.acc.Process(ts)

	if sc.trace != nil {
		sc.recordTrace(prevPhase, ts, report)
	}

	if anomaly != nil {
		sc.anomalies = append(sc.anomalies, *anomaly)
		ProblemLogger.Printf("protocol anomaly: %s", anomaly)
		if len(sc.anomalies) > sc.cfg.AnomalyLimit {
			ProblemLogger.Printf("anomaly history at overflow:\n%s", spew.Sdump(sc.anomalies))
			return false, &AnomalyOverflowError{
				Count: len(sc.anomalies),
				Limit: sc.cfg.AnomalyLimit,
				Last:  *anomaly,
			}
		}
	}

	if report != nil {
		sc.reports = append(sc.reports, *report)
		UpdateLogger.Printf("%s", report)
		if err := sc.sink.PublishReport(*report); err != nil {
			ProblemLogger.Printf("publishing report %d: %v", report.Index, err)
		}
		if len(sc.reports) == sc.cfg.ExpectedTests {
			return true, nil
		}
	}
	return false, nil
}

func (sc *SessionController) recordTrace(prevPhase Phase, ts TaggedSample, report *TestReport) {
	var err error
	switch {
	case prevPhase == WaitingForStart && sc.acc.Phase() == Accumulating:
		// The falling-edge sample opens the interval and belongs to it.
		if err = sc.trace.Begin(sc.acc.Completed()); err == nil {
			err = sc.trace.Append(ts.MicroAmps)
		}
	case report != nil:
		err = sc.trace.Commit()
	case sc.acc.Phase() == Accumulating:
		err = sc.trace.Append(ts.MicroAmps)
	}
	if err != nil {
		ProblemLogger.Printf("trace capture: %v", err)
	}
}

// finish assembles the terminal status, hands it to the sink, and releases
// the trace writer.
func (sc *SessionController) finish(outcome, message string) SessionStatus {
	summary := Summarize(sc.reports)
	if message == "" {
		message = summary.String()
	}
	status := SessionStatus{
		SessionID: sc.id,
		Outcome:   outcome,
		Expected:  sc.cfg.ExpectedTests,
		Completed: len(sc.reports),
		Anomalies: len(sc.anomalies),
		Summary:   summary,
		Message:   message,
	}
	if err := sc.sink.PublishStatus(status); err != nil {
		ProblemLogger.Printf("publishing session status: %v", err)
	}
	if sc.trace != nil {
		if err := sc.trace.Close(); err != nil {
			ProblemLogger.Printf("closing trace writer: %v", err)
		}
	}
	return status
}
