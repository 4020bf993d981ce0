package powertest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hdoordt/powertest/internal/mqttsink"
)

func TestMQTTSinkMapping(t *testing.T) {
	fake := &mqttsink.FakePublisher{}
	sink := NewMQTTSink(fake, "01JSESSION")

	require.NoError(t, sink.PublishReport(TestReport{
		Index:         3,
		SampleCount:   40,
		MeanMicroAmps: 512.25,
		StartSeq:      100,
		EndSeq:        140,
	}))
	require.Len(t, fake.Reports, 1)
	assert.Equal(t, mqttsink.Report{
		SessionID:     "01JSESSION",
		Index:         3,
		SampleCount:   40,
		MeanMicroAmps: 512.25,
	}, fake.Reports[0])

	require.NoError(t, sink.PublishStatus(SessionStatus{
		SessionID: "01JSESSION",
		Outcome:   OutcomeSuccess,
		Expected:  4,
		Completed: 4,
		Message:   "done",
	}))
	require.Len(t, fake.Statuses, 1)
	assert.Equal(t, "01JSESSION", fake.Statuses[0].SessionID)
	assert.Equal(t, OutcomeSuccess, fake.Statuses[0].Outcome)
}

func TestMQTTSinkThroughSession(t *testing.T) {
	fake := &mqttsink.FakePublisher{}
	source := NewSimulatedSource(SimConfig{
		NumTests:      2,
		SetupSamples:  4,
		TestSamples:   6,
		GapSamples:    4,
		BaseMicroAmps: 400,
		IdleMicroAmps: 20,
	})
	sc, err := NewSessionController(SessionConfig{ExpectedTests: 2}, source, nil)
	require.NoError(t, err)
	sc.SetSink(MultiSink{LogSink{}, NewMQTTSink(fake, sc.ID())})

	_, err = sc.Run()
	require.NoError(t, err)
	assert.Len(t, fake.Reports, 2)
	require.Len(t, fake.Statuses, 1)
	assert.Equal(t, sc.ID(), fake.Statuses[0].SessionID)
	assert.Equal(t, 2, fake.Statuses[0].Completed)
}
