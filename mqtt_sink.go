package powertest

import "github.com/hdoordt/powertest/internal/mqttsink"

// MQTTSink forwards reports and session status to an MQTT publisher for lab
// telemetry dashboards.
type MQTTSink struct {
	pub       mqttsink.Publisher
	sessionID string
}

// NewMQTTSink wraps an MQTT publisher as a ReportSink.
func NewMQTTSink(pub mqttsink.Publisher, sessionID string) *MQTTSink {
	return &MQTTSink{pub: pub, sessionID: sessionID}
}

func (s *MQTTSink) PublishReport(r TestReport) error {
	return s.pub.Publish(mqttsink.Report{
		SessionID:     s.sessionID,
		Index:         r.Index,
		SampleCount:   r.SampleCount,
		MeanMicroAmps: r.MeanMicroAmps,
		Degenerate:    r.Degenerate,
	})
}

func (s *MQTTSink) PublishStatus(st SessionStatus) error {
	return s.pub.PublishStatus(mqttsink.Status{
		SessionID: st.SessionID,
		Outcome:   st.Outcome,
		Expected:  st.Expected,
		Completed: st.Completed,
		Anomalies: st.Anomalies,
		Message:   st.Message,
	})
}
