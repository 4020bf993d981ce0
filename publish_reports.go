package powertest

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// ReportPublisher broadcasts reports and session status on a ZMQ PUB socket
// as 2-frame messages: a topic frame ("report" or "status") and a JSON
// payload. Live dashboards subscribe to whichever topic they care about.
type ReportPublisher struct {
	socket *zmq.Socket
}

// NewReportPublisher binds a PUB socket on the given TCP port.
func NewReportPublisher(port int) (*ReportPublisher, error) {
	socket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		return nil, err
	}
	if err := socket.Bind(fmt.Sprintf("tcp://*:%d", port)); err != nil {
		socket.Close()
		return nil, err
	}
	return &ReportPublisher{socket: socket}, nil
}

// PublishReport sends one finalized TestReport.
func (p *ReportPublisher) PublishReport(r TestReport) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = p.socket.SendMessage("report", payload)
	return err
}

// PublishStatus sends the end-of-session status.
func (p *ReportPublisher) PublishStatus(s SessionStatus) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return err
	}
	_, err = p.socket.SendMessage("status", payload)
	return err
}

// Close destroys the PUB socket.
func (p *ReportPublisher) Close() error {
	return p.socket.Close()
}
