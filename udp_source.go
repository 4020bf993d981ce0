package powertest

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
	"time"

	sysctl "github.com/lorenzosaino/go-sysctl"
)

// UDPSource receives the profiler's sample stream as UDP packets from the
// instrument bridge. Each packet carries a header plus a run of samples; a
// background reader keeps the socket drained so the kernel buffer does not
// overflow while the consumer is busy, handing parsed samples across a
// bounded channel.
type UDPSource struct {
	host    string // in the form "127.0.0.1:56780"
	pin     uint   // which logic-port pin is monitored (bit 0-7)
	conn    *net.UDPConn
	samples chan Sample
	abort   chan struct{}
	nextSeq SampleIndex
}

// samplePacketHeader matches the bridge's wire format.
type samplePacketHeader struct {
	Version  uint8
	Flags    uint8
	Count    uint16
	FirstSeq uint64
}

// rawSample is one on-the-wire sample: current in microamps plus the full
// logic-port byte.
type rawSample struct {
	MicroAmps float32
	PortBits  uint8
}

const samplePacketVersion = 1

// udpReadBufferWant is the kernel receive buffer we'd like. At 100 ksps and
// 5 bytes per sample, 4 MB rides out ~8 s of consumer stall.
const udpReadBufferWant = 4 << 20

// parseSamplePacket decodes one packet. Samples beyond header.Count are not
// present; a short packet is an error.
func parseSamplePacket(p []byte) (samplePacketHeader, []rawSample, error) {
	var header samplePacketHeader
	buf := bytes.NewReader(p)
	if err := binary.Read(buf, binary.BigEndian, &header); err != nil {
		return header, nil, fmt.Errorf("sample packet header: %w", err)
	}
	if header.Version != samplePacketVersion {
		return header, nil, fmt.Errorf("sample packet version %d, want %d", header.Version, samplePacketVersion)
	}
	data := make([]rawSample, header.Count)
	if err := binary.Read(buf, binary.BigEndian, &data); err != nil {
		return header, nil, fmt.Errorf("sample packet payload: %w", err)
	}
	return header, data, nil
}

// NewUDPSource opens a UDP listener for the sample stream and starts the
// background reader. pin selects which logic-port bit is reported as the
// monitored pin state.
func NewUDPSource(host string, pin uint) (*UDPSource, error) {
	if pin > 7 {
		return nil, fmt.Errorf("monitored pin %d out of range [0,7]", pin)
	}
	checkUDPBufferSize()
	raddr, err := net.ResolveUDPAddr("udp", host)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", raddr)
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadBuffer(udpReadBufferWant); err != nil {
		ProblemLogger.Printf("could not enlarge UDP read buffer: %v", err)
	}
	us := &UDPSource{
		host:    host,
		pin:     pin,
		conn:    conn,
		samples: make(chan Sample, 4096),
		abort:   make(chan struct{}),
	}
	go us.readLoop()
	return us, nil
}

// Samples returns the channel carrying the parsed sample stream.
func (us *UDPSource) Samples() <-chan Sample { return us.samples }

// Close stops the reader and closes the socket. Idempotent.
func (us *UDPSource) Close() error {
	closeIfOpen(us.abort)
	if err := us.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (us *UDPSource) readLoop() {
	defer close(us.samples)
	p := make([]byte, 16384)
	for {
		select {
		case <-us.abort:
			return
		default:
		}
		if err := us.conn.SetReadDeadline(time.Now().Add(time.Second)); err != nil {
			ProblemLogger.Printf("UDP source: set deadline: %v", err)
			return
		}
		n, _, err := us.conn.ReadFromUDP(p)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// Socket closed or broken: the stream is over.
			return
		}
		header, data, err := parseSamplePacket(p[:n])
		if err != nil {
			ProblemLogger.Printf("UDP source: dropping packet: %v", err)
			continue
		}
		// A jump in FirstSeq means the bridge (or network) dropped samples.
		// The stream stays ordered; the ordinals just skip ahead.
		if SampleIndex(header.FirstSeq) > us.nextSeq && us.nextSeq > 0 {
			ProblemLogger.Printf("UDP source: %d samples missing before %d",
				SampleIndex(header.FirstSeq)-us.nextSeq, header.FirstSeq)
		}
		seq := SampleIndex(header.FirstSeq)
		// UDP duplicates and late arrivals land here too. Clip off any
		// samples already delivered so the stream never runs backwards.
		if seq < us.nextSeq {
			if seq+SampleIndex(len(data)) <= us.nextSeq {
				ProblemLogger.Printf("UDP source: dropping stale packet at %d", header.FirstSeq)
				continue
			}
			data = data[us.nextSeq-seq:]
			seq = us.nextSeq
		}
		for _, raw := range data {
			s := Sample{
				Seq:       seq,
				MicroAmps: float64(raw.MicroAmps),
				PinHigh:   raw.PortBits&(1<<us.pin) != 0,
			}
			seq++
			select {
			case us.samples <- s:
			case <-us.abort:
				return
			}
		}
		us.nextSeq = seq
	}
}

// checkUDPBufferSize warns when the OS caps UDP receive buffers below what
// a stall-tolerant capture wants. Advisory only.
func checkUDPBufferSize() {
	if runtime.GOOS != "linux" {
		return
	}
	v, err := sysctl.Get("net.core.rmem_max")
	if err != nil {
		return
	}
	rmemMax, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return
	}
	if rmemMax < udpReadBufferWant {
		ProblemLogger.Printf("net.core.rmem_max is %d, want at least %d; "+
			"sample packets may be lost during stalls (sysctl -w net.core.rmem_max=%d)",
			rmemMax, udpReadBufferWant, udpReadBufferWant)
	}
}
