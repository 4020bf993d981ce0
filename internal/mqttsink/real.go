package mqttsink

import (
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// RealPublisher publishes to an actual MQTT broker.
type RealPublisher struct {
	client paho.Client
}

// NewRealPublisher creates a publisher connected to the given broker.
func NewRealPublisher(broker string) (*RealPublisher, error) {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("powertest").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}

	return &RealPublisher{client: client}, nil
}

// Publish sends a per-test report to the MQTT broker.
func (p *RealPublisher) Publish(report Report) error {
	payload, err := FormatReport(report)
	if err != nil {
		return fmt.Errorf("format report: %w", err)
	}

	// QoS 0 (at-most-once), not retained
	token := p.client.Publish(Topic, 0, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// PublishStatus sends a session status event to the MQTT broker.
func (p *RealPublisher) PublishStatus(status Status) error {
	payload, err := FormatStatus(status)
	if err != nil {
		return fmt.Errorf("format status: %w", err)
	}

	// QoS 1 (at-least-once) for terminal events
	token := p.client.Publish(TopicStatus, 1, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("publish status timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *RealPublisher) Close() error {
	p.client.Disconnect(250)
	return nil
}
