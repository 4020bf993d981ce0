package mqttsink

// FakePublisher records published events for test assertions.
type FakePublisher struct {
	// Reports contains all report events that were published.
	Reports []Report

	// Statuses contains all status events that were published.
	Statuses []Status

	// Closed reports whether Close was called.
	Closed bool

	// Err, when set, is returned from every Publish call.
	Err error
}

// Publish records the report.
func (f *FakePublisher) Publish(report Report) error {
	if f.Err != nil {
		return f.Err
	}
	f.Reports = append(f.Reports, report)
	return nil
}

// PublishStatus records the status event.
func (f *FakePublisher) PublishStatus(status Status) error {
	if f.Err != nil {
		return f.Err
	}
	f.Statuses = append(f.Statuses, status)
	return nil
}

// Close marks the publisher closed.
func (f *FakePublisher) Close() error {
	f.Closed = true
	return nil
}
