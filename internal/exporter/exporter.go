// Package exporter forwards alerts to a remote collector over HTTPS with
// optional mTLS. It durably queues every alert before attempting delivery
// (internal/persist), and retries failed deliveries with exponential
// back-off and jitter, so a collector outage never drops an alert.
package exporter

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/sentinel/internal/alertgate"
	"github.com/tripwire/sentinel/internal/persist"
)

const (
	defaultMaxBackoff = 60 * time.Second
	initialBackoff    = time.Second
	drainBatchSize    = 50
	tickInterval      = 2 * time.Second
	postTimeout       = 10 * time.Second
)

// Config holds the parameters for exporting alerts to a remote collector.
type Config struct {
	// Endpoint is the collector's ingest URL, e.g.
	// "https://collector.example.com/v1/alerts". Required.
	Endpoint string

	// CertPath, KeyPath, CAPath configure mTLS. Required unless Insecure.
	CertPath string
	KeyPath  string
	CAPath   string

	// ServerName overrides the TLS server name for SNI verification.
	ServerName string

	// HostID identifies this agent to the collector. A random UUID is
	// generated when empty.
	HostID string

	// BearerToken, when set, is sent as an Authorization: Bearer header
	// on every delivery, alongside mTLS.
	BearerToken string

	// MaxBackoff caps the exponential retry interval. Defaults to 60s.
	MaxBackoff time.Duration

	// Insecure disables TLS entirely. Tests only; never production.
	Insecure bool
}

// payload is the JSON body POSTed to Endpoint for each alert.
type payload struct {
	DeliveryID   string    `json:"delivery_id"`
	HostID       string    `json:"host_id"`
	Timestamp    time.Time `json:"timestamp"`
	Pid          int       `json:"pid"`
	Name         string    `json:"name"`
	Class        string    `json:"class"`
	Risk         float64   `json:"risk"`
	AnomalyScore float64   `json:"anomaly_score"`
	Explanation  string    `json:"explanation,omitempty"`
	Destination  string    `json:"destination,omitempty"`
}

// Exporter durably queues and forwards alerts to a remote collector. It is
// safe for concurrent use: Export may be called from any goroutine while
// the internal run loop drains the queue and manages retries.
type Exporter struct {
	cfg    Config
	hostID string
	queue  *persist.Queue
	client *http.Client
	logger *slog.Logger

	wake chan struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	sentTotal  atomic.Int64
	retryTotal atomic.Int64
}

// New constructs an Exporter backed by queue. Call Start to begin the
// background delivery loop.
func New(cfg Config, queue *persist.Queue, logger *slog.Logger) (*Exporter, error) {
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if logger == nil {
		logger = slog.Default()
	}
	hostID := cfg.HostID
	if hostID == "" {
		hostID = uuid.NewString()
	}

	transport, err := buildTransport(cfg)
	if err != nil {
		return nil, fmt.Errorf("exporter: build TLS transport: %w", err)
	}

	return &Exporter{
		cfg:    cfg,
		hostID: hostID,
		queue:  queue,
		client: &http.Client{Transport: transport, Timeout: postTimeout},
		logger: logger,
		wake:   make(chan struct{}, 1),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// HostID returns the identity this exporter presents to the collector.
func (e *Exporter) HostID() string { return e.hostID }

// SentTotal returns the number of alerts successfully delivered.
func (e *Exporter) SentTotal() int64 { return e.sentTotal.Load() }

// RetryTotal returns the number of delivery attempts that failed and were
// retried.
func (e *Exporter) RetryTotal() int64 { return e.retryTotal.Load() }

// QueueDepth returns the number of alerts awaiting delivery.
func (e *Exporter) QueueDepth() int { return e.queue.Depth() }

// Start launches the background delivery loop. It returns immediately;
// delivery failures are retried internally and never surfaced here.
func (e *Exporter) Start(ctx context.Context) {
	go e.run(ctx)
}

// Stop signals the delivery loop to exit and blocks until it has. Safe to
// call more than once.
func (e *Exporter) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	<-e.done
}

// Export durably enqueues alert for delivery and wakes the delivery loop.
// It returns once the alert is safely persisted; actual delivery happens
// asynchronously.
func (e *Exporter) Export(ctx context.Context, alert alertgate.Alert) error {
	p := payload{
		DeliveryID:   uuid.NewString(),
		HostID:       e.hostID,
		Timestamp:    alert.Timestamp,
		Pid:          alert.Pid,
		Name:         alert.Name,
		Class:        alert.Class,
		Risk:         alert.Risk,
		AnomalyScore: alert.AnomalyScore,
		Explanation:  alert.Explanation,
		Destination:  alert.Destination,
	}
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("exporter: marshal alert: %w", err)
	}
	if err := e.queue.Enqueue(ctx, string(b)); err != nil {
		return fmt.Errorf("exporter: enqueue: %w", err)
	}

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// run is the main delivery loop. It drains the queue whenever woken or on
// a fixed tick, retrying with exponential back-off and jitter between
// failed batches.
func (e *Exporter) run(ctx context.Context) {
	defer close(e.done)

	firstBackoff := initialBackoff
	if firstBackoff > e.cfg.MaxBackoff {
		firstBackoff = e.cfg.MaxBackoff
	}
	backoff := firstBackoff
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-e.wake:
		case <-ticker.C:
		}

		delivered, err := e.drainOnce(ctx)
		if err != nil {
			e.retryTotal.Add(1)
			e.logger.Warn("exporter: delivery batch failed, backing off",
				slog.Any("error", err),
				slog.Duration("backoff", backoff),
			)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			}
			backoff = nextBackoff(backoff, e.cfg.MaxBackoff)
			continue
		}

		if delivered > 0 {
			backoff = firstBackoff
		}
	}
}

// drainOnce dequeues up to drainBatchSize pending alerts and POSTs each in
// order, acking as it goes. It stops and returns an error on the first
// delivery failure, leaving the remainder in the queue for the next
// attempt.
func (e *Exporter) drainOnce(ctx context.Context) (int, error) {
	delivered := 0
	for {
		items, err := e.queue.Dequeue(ctx, drainBatchSize)
		if err != nil {
			return delivered, fmt.Errorf("dequeue: %w", err)
		}
		if len(items) == 0 {
			return delivered, nil
		}

		acked := make([]int64, 0, len(items))
		for _, item := range items {
			if err := e.post(ctx, item.Payload); err != nil {
				if len(acked) > 0 {
					_ = e.queue.Ack(ctx, acked)
				}
				return delivered, err
			}
			acked = append(acked, item.ID)
			delivered++
			e.sentTotal.Add(1)
		}
		if err := e.queue.Ack(ctx, acked); err != nil {
			return delivered, fmt.Errorf("ack: %w", err)
		}
	}
}

func (e *Exporter) post(ctx context.Context, body string) error {
	ctx, cancel := context.WithTimeout(ctx, postTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.Endpoint, bytes.NewBufferString(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.BearerToken)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned status %d", resp.StatusCode)
	}
	return nil
}

// buildTransport constructs an HTTP transport with mTLS configured from
// cfg, or a plain transport when cfg.Insecure is set.
func buildTransport(cfg Config) (*http.Transport, error) {
	if cfg.Insecure {
		return http.DefaultTransport.(*http.Transport).Clone(), nil
	}

	clientCert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client cert/key (%s, %s): %w", cfg.CertPath, cfg.KeyPath, err)
	}

	caPEM, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", cfg.CAPath, err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("parse CA cert from %s: no certificates found", cfg.CAPath)
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS12,
	}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = tlsCfg
	return transport, nil
}

// nextBackoff doubles current with +/-25% jitter, capped at maxBackoff.
func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	jitterFactor := 0.75 + rand.Float64()*0.5
	next = time.Duration(float64(next) * jitterFactor)
	if next < initialBackoff {
		next = initialBackoff
	}
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}
