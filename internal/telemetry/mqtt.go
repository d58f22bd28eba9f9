// Package telemetry publishes periodic server health/stats to an MQTT
// broker as an ambient side-channel, independent of the OpenIGTLink data
// path. Grounded on the teacher's internal/emitter/mqtt.go (Connect/
// Publish/PublishHealth/Disconnect over github.com/eclipse/paho.mqtt.golang).
package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Emitter wraps an MQTT client for publishing health snapshots.
type Emitter struct {
	log    *slog.Logger
	client mqtt.Client
	topic  string

	mu        sync.Mutex
	connected bool
}

// New creates an Emitter against broker, identified as clientID, publishing
// to topic. It does not connect until Connect is called.
func New(log *slog.Logger, broker, clientID, topic string) *Emitter {
	if log == nil {
		log = slog.Default()
	}
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true)

	e := &Emitter{log: log, topic: topic}
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		e.mu.Lock()
		e.connected = false
		e.mu.Unlock()
		log.Warn("telemetry: mqtt connection lost", slog.String("error", err.Error()))
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		e.mu.Lock()
		e.connected = true
		e.mu.Unlock()
		log.Info("telemetry: mqtt connected", slog.String("broker", broker))
	})
	e.client = mqtt.NewClient(opts)
	return e
}

// Connect blocks until the MQTT connection succeeds or times out.
func (e *Emitter) Connect(timeout time.Duration) error {
	token := e.client.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("telemetry: timed out connecting to mqtt broker")
	}
	return token.Error()
}

// PublishHealth marshals snapshot as JSON and publishes it at QoS 0,
// mirroring the teacher's PublishHealth.
func (e *Emitter) PublishHealth(snapshot map[string]any) error {
	e.mu.Lock()
	connected := e.connected
	e.mu.Unlock()
	if !connected {
		return nil
	}

	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("telemetry: marshal health snapshot: %w", err)
	}
	token := e.client.Publish(e.topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

// Run publishes snapshot() on every tick until stop is closed.
func (e *Emitter) Run(stop <-chan struct{}, interval time.Duration, snapshot func() map[string]any) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := e.PublishHealth(snapshot()); err != nil {
				e.log.Warn("telemetry: publish failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Disconnect closes the MQTT connection.
func (e *Emitter) Disconnect() {
	e.client.Disconnect(250)
}
