package powertest

// ReportSink receives each TestReport in completion order, then exactly one
// SessionStatus when the run reaches a terminal outcome. Implementations
// should be cheap per call; anything slow belongs behind its own buffering.
type ReportSink interface {
	PublishReport(TestReport) error
	PublishStatus(SessionStatus) error
}

// LogSink writes reports and status to the update logger. It is the default
// sink when nothing else is configured.
type LogSink struct{}

func (LogSink) PublishReport(r TestReport) error {
	UpdateLogger.Printf("report: %s", r)
	return nil
}

func (LogSink) PublishStatus(s SessionStatus) error {
	UpdateLogger.Printf("session %s finished: %s. %s", s.SessionID, s.Outcome, s.Message)
	return nil
}

// MultiSink fans each report and status out to several sinks in order. The
// first error is remembered and returned, but every sink still gets every
// message: one slow or broken sink must not starve the others.
type MultiSink []ReportSink

func (m MultiSink) PublishReport(r TestReport) error {
	var first error
	for _, s := range m {
		if err := s.PublishReport(r); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m MultiSink) PublishStatus(st SessionStatus) error {
	var first error
	for _, s := range m {
		if err := s.PublishStatus(st); err != nil && first == nil {
			first = err
		}
	}
	return first
}
