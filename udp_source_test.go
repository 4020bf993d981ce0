package powertest

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSamplePacket(t *testing.T, version uint8, firstSeq uint64, samples []rawSample) []byte {
	t.Helper()
	var buf bytes.Buffer
	header := samplePacketHeader{
		Version:  version,
		Count:    uint16(len(samples)),
		FirstSeq: firstSeq,
	}
	require.NoError(t, binary.Write(&buf, binary.BigEndian, header))
	require.NoError(t, binary.Write(&buf, binary.BigEndian, samples))
	return buf.Bytes()
}

func TestParseSamplePacket(t *testing.T) {
	want := []rawSample{
		{MicroAmps: 80.5, PortBits: 0x01},
		{MicroAmps: 100, PortBits: 0x00},
		{MicroAmps: 121.25, PortBits: 0xff},
	}
	p := buildSamplePacket(t, samplePacketVersion, 1000, want)

	header, data, err := parseSamplePacket(p)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), header.Count)
	assert.Equal(t, uint64(1000), header.FirstSeq)
	assert.Equal(t, want, data)
}

func TestParseSamplePacketErrors(t *testing.T) {
	good := buildSamplePacket(t, samplePacketVersion, 0, []rawSample{{MicroAmps: 1, PortBits: 1}})

	if _, _, err := parseSamplePacket(good[:6]); err == nil {
		t.Error("truncated header accepted")
	}
	if _, _, err := parseSamplePacket(good[:len(good)-2]); err == nil {
		t.Error("truncated payload accepted")
	}
	bad := buildSamplePacket(t, samplePacketVersion+1, 0, nil)
	if _, _, err := parseSamplePacket(bad); err == nil {
		t.Error("wrong version accepted")
	}
}

func TestUDPSourcePinRange(t *testing.T) {
	if _, err := NewUDPSource("127.0.0.1:0", 8); err == nil {
		t.Error("pin 8 accepted, want error")
	}
}

// collect receives n samples or fails the test after a timeout.
func collect(t *testing.T, c <-chan Sample, n int) []Sample {
	t.Helper()
	got := make([]Sample, 0, n)
	deadline := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case s, ok := <-c:
			if !ok {
				t.Fatalf("stream ended after %d of %d samples", len(got), n)
			}
			got = append(got, s)
		case <-deadline:
			t.Fatalf("timed out after %d of %d samples", len(got), n)
		}
	}
	return got
}

func TestUDPSourceLoopback(t *testing.T) {
	us, err := NewUDPSource("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer us.Close()

	sender, err := net.Dial("udp", us.conn.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()

	raw := []rawSample{
		{MicroAmps: 50, PortBits: 0x01},  // pin 0 high
		{MicroAmps: 200, PortBits: 0x02}, // pin 0 low, pin 1 high
		{MicroAmps: 210, PortBits: 0x00},
		{MicroAmps: 55, PortBits: 0x01},
	}
	_, err = sender.Write(buildSamplePacket(t, samplePacketVersion, 0, raw[:2]))
	require.NoError(t, err)
	_, err = sender.Write(buildSamplePacket(t, samplePacketVersion, 2, raw[2:]))
	require.NoError(t, err)

	got := collect(t, us.Samples(), 4)
	for i, s := range got {
		assert.Equal(t, SampleIndex(i), s.Seq)
		assert.InDelta(t, float64(raw[i].MicroAmps), s.MicroAmps, 1e-6)
		assert.Equal(t, raw[i].PortBits&1 != 0, s.PinHigh, "sample %d pin state", i)
	}
}

func TestUDPSourceDropsDuplicatePackets(t *testing.T) {
	us, err := NewUDPSource("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer us.Close()

	sender, err := net.Dial("udp", us.conn.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()

	first := []rawSample{{MicroAmps: 10, PortBits: 1}, {MicroAmps: 11, PortBits: 1}}
	second := []rawSample{{MicroAmps: 12, PortBits: 1}, {MicroAmps: 13, PortBits: 1}}
	pkt := buildSamplePacket(t, samplePacketVersion, 0, first)
	_, err = sender.Write(pkt)
	require.NoError(t, err)
	// The network delivers the same packet twice; the repeat must vanish.
	_, err = sender.Write(pkt)
	require.NoError(t, err)
	_, err = sender.Write(buildSamplePacket(t, samplePacketVersion, 2, second))
	require.NoError(t, err)

	got := collect(t, us.Samples(), 4)
	for i, s := range got {
		assert.Equal(t, SampleIndex(i), s.Seq, "sample %d", i)
	}
	assert.InDelta(t, 12.0, got[2].MicroAmps, 1e-6)
}

func TestUDPSourceClipsOverlappingPacket(t *testing.T) {
	us, err := NewUDPSource("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer us.Close()

	sender, err := net.Dial("udp", us.conn.LocalAddr().String())
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.Write(buildSamplePacket(t, samplePacketVersion, 0,
		[]rawSample{{MicroAmps: 10, PortBits: 1}, {MicroAmps: 11, PortBits: 1}}))
	require.NoError(t, err)
	// A late retransmission overlaps one already-delivered sample; only the
	// unseen tail may come through.
	_, err = sender.Write(buildSamplePacket(t, samplePacketVersion, 1,
		[]rawSample{{MicroAmps: 11, PortBits: 1}, {MicroAmps: 12, PortBits: 1}}))
	require.NoError(t, err)

	got := collect(t, us.Samples(), 3)
	for i, s := range got {
		assert.Equal(t, SampleIndex(i), s.Seq, "sample %d", i)
	}
	assert.InDelta(t, 12.0, got[2].MicroAmps, 1e-6)
}

func TestUDPSourceCloseEndsStream(t *testing.T) {
	us, err := NewUDPSource("127.0.0.1:0", 0)
	require.NoError(t, err)
	require.NoError(t, us.Close())
	assert.NoError(t, us.Close(), "Close must stay idempotent")

	select {
	case _, ok := <-us.Samples():
		if ok {
			t.Error("unexpected sample after Close")
		}
	case <-time.After(5 * time.Second):
		t.Error("stream did not end after Close")
	}
}
