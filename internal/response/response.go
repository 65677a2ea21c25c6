// Package response implements the optional response-action hook the alert
// gate invokes for qualifying alerts: it maps (risk, anomaly) against
// configured thresholds to an action tag and durably enqueues a
// ResponseRequest so an out-of-process executor can carry it out even if
// the agent restarts before acting on it.
package response

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tripwire/sentinel/internal/alertgate"
	"github.com/tripwire/sentinel/internal/persist"
)

// Thresholds holds the advisory action thresholds. A zero threshold
// disables its tier, so a zero Thresholds value never yields an action.
type Thresholds struct {
	Warn    float64
	Freeze  float64
	Isolate float64
	Kill    float64
}

// ResponseRequest is the durable record enqueued for each response
// decision, matching the external response-queue contract.
type ResponseRequest struct {
	Pid          int                    `json:"pid"`
	Name         string                 `json:"name"`
	Risk         float64                `json:"risk"`
	AnomalyScore float64                `json:"anomaly_score"`
	Reason       string                 `json:"reason"`
	Action       alertgate.ResponseAction `json:"action"`
	DecidedAt    time.Time              `json:"decided_at"`
}

// Queuer is the subset of *persist.Queue the executor depends on, so tests
// can substitute an in-memory fake.
type Queuer interface {
	Enqueue(ctx context.Context, payload string) error
}

// Executor decides and durably records response actions. Handle satisfies
// alertgate.ResponseHandler.
type Executor struct {
	thresholds Thresholds
	queue      Queuer
	now        func() time.Time
}

// New constructs an Executor backed by the given durable queue.
func New(thresholds Thresholds, queue Queuer) *Executor {
	return &Executor{thresholds: thresholds, queue: queue, now: time.Now}
}

// Decide maps a (risk, anomaly) pair to an action tag using the configured
// thresholds, highest qualifying tier wins.
func (e *Executor) Decide(riskScore, anomalyScore float64) alertgate.ResponseAction {
	switch {
	case e.thresholds.Kill > 0 && riskScore >= e.thresholds.Kill:
		return alertgate.ActionKill
	case e.thresholds.Isolate > 0 && riskScore >= e.thresholds.Isolate:
		return alertgate.ActionIsolate
	case e.thresholds.Freeze > 0 && riskScore >= e.thresholds.Freeze:
		return alertgate.ActionFreeze
	case e.thresholds.Warn > 0 && riskScore >= e.thresholds.Warn:
		return alertgate.ActionWarn
	default:
		return alertgate.ActionNone
	}
}

// Handle implements alertgate.ResponseHandler: it decides the action and
// durably enqueues the decision for execution. A queue failure does not
// change the decided action — a response decision must never be blocked by
// a persistence error.
func (e *Executor) Handle(pid int, name string, riskScore, anomalyScore float64, reason string) alertgate.ResponseAction {
	action := e.Decide(riskScore, anomalyScore)

	req := ResponseRequest{
		Pid: pid, Name: name, Risk: riskScore, AnomalyScore: anomalyScore,
		Reason: reason, Action: action, DecidedAt: e.now(),
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return action
	}
	_ = e.queue.Enqueue(context.Background(), string(payload))
	return action
}

// OpenQueue opens the SQLite-backed response queue at path.
func OpenQueue(path string) (*persist.Queue, error) {
	q, err := persist.Open(path, "response_queue")
	if err != nil {
		return nil, fmt.Errorf("response: open queue: %w", err)
	}
	return q, nil
}
