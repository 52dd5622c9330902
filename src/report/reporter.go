package report

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	logs "github.com/danmuck/smplog"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	DefaultTopic = "dps/events"

	queueSize      = 256
	requestTimeout = 2 * time.Second
	connectTimeout = 5 * time.Second
)

// Reporter forwards events to an external observer. Report never blocks
// and never fails; events that cannot be delivered are dropped.
type Reporter interface {
	Report(ev Event)
	Close() error
}

type NopReporter struct{}

func (NopReporter) Report(Event) {}
func (NopReporter) Close() error { return nil }

// asyncReporter decouples callers from a slow or absent sink with a
// bounded queue drained by one worker.
type asyncReporter struct {
	name    string
	queue   chan Event
	publish func(Event) error
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

func newAsyncReporter(name string, publish func(Event) error) *asyncReporter {
	r := &asyncReporter{
		name:    name,
		queue:   make(chan Event, queueSize),
		publish: publish,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *asyncReporter) Report(ev Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- ev:
	default:
		logs.Debugf("[%s] queue full, dropping event %s", r.name, ev.ID)
	}
}

// Close flushes queued events and stops the worker.
func (r *asyncReporter) Close() error {
	r.once.Do(func() {
		r.mu.Lock()
		r.closed = true
		close(r.queue)
		r.mu.Unlock()
		<-r.done
	})
	return nil
}

func (r *asyncReporter) run() {
	defer close(r.done)
	for ev := range r.queue {
		if err := r.publish(ev); err != nil {
			logs.Debugf("[%s] failed to report event %s: %v", r.name, ev.ID, err)
		}
	}
}

////////////////////////////////////////////////////////////////////////////////////////////

// HTTPReporter POSTs each event as JSON to <endpoint>/message.
type HTTPReporter struct {
	*asyncReporter
	url    string
	client *http.Client
}

// NewHTTPReporter accepts either host:port or a full http(s) base URL.
func NewHTTPReporter(endpoint string) *HTTPReporter {
	base := strings.TrimRight(endpoint, "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	r := &HTTPReporter{
		url:    base + "/message",
		client: &http.Client{Timeout: requestTimeout},
	}
	r.asyncReporter = newAsyncReporter("HTTPReporter", r.post)
	return r
}

func (r *HTTPReporter) URL() string {
	return r.url
}

func (r *HTTPReporter) post(ev Event) error {
	body, err := ev.Marshal()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("monitor returned %s", resp.Status)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////////////////////////

// MQTTReporter publishes each event to a broker topic.
type MQTTReporter struct {
	*asyncReporter
	raw   mqtt.Client
	topic string
}

func NewMQTTReporter(brokerURL, clientID, topic string) (*MQTTReporter, error) {
	if topic == "" {
		topic = DefaultTopic
	}
	raw, err := connectMQTT(brokerURL, clientID)
	if err != nil {
		return nil, err
	}
	r := &MQTTReporter{raw: raw, topic: topic}
	r.asyncReporter = newAsyncReporter("MQTTReporter", r.publishEvent)
	return r, nil
}

func (r *MQTTReporter) publishEvent(ev Event) error {
	payload, err := ev.Marshal()
	if err != nil {
		return err
	}
	token := r.raw.Publish(r.topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

func (r *MQTTReporter) Close() error {
	r.asyncReporter.Close()
	r.raw.Disconnect(250)
	return nil
}

func connectMQTT(brokerURL, clientID string) (mqtt.Client, error) {
	o := mqtt.NewClientOptions()
	o.AddBroker(brokerURL)
	o.SetClientID(clientID)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	c := mqtt.NewClient(o)

	token := c.Connect()
	if !token.WaitTimeout(connectTimeout) {
		c.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect to %s: timed out", brokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", brokerURL, err)
	}
	return c, nil
}

////////////////////////////////////////////////////////////////////////////////////////////

// MultiReporter fans each event out to several reporters.
type MultiReporter []Reporter

func (m MultiReporter) Report(ev Event) {
	for _, r := range m {
		r.Report(ev)
	}
}

func (m MultiReporter) Close() error {
	for _, r := range m {
		r.Close()
	}
	return nil
}
