// Package events publishes job lifecycle transitions to NSQ and consumes
// them back for watchers.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"conduit/internal/config"

	"github.com/nsqio/go-nsq"
)

// JobEvent is the payload published on every job status transition.
type JobEvent struct {
	JobID    string         `json:"job_id"`
	TenantID string         `json:"tenant_id"`
	SourceID string         `json:"source_id"`
	Status   string         `json:"status"`
	Error    string         `json:"error,omitempty"`
	Metrics  map[string]any `json:"metrics,omitempty"`
	At       time.Time      `json:"at"`
}

// Publisher is satisfied by *nsq.Producer.
type Publisher interface {
	Publish(topic string, body []byte) error
}

// Emitter publishes job events. A nil Emitter drops events.
type Emitter struct {
	pub   Publisher
	topic string
}

func NewEmitter(pub Publisher) *Emitter {
	if pub == nil {
		return nil
	}
	return &Emitter{pub: pub, topic: config.TopicIngestJob}
}

// Emit never fails the caller; publish errors are logged.
func (e *Emitter) Emit(ctx context.Context, ev JobEvent) {
	if e == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		slog.WarnContext(ctx, "failed to encode job event", "job_id", ev.JobID, "error", err)
		return
	}
	if err := e.pub.Publish(e.topic, body); err != nil {
		slog.WarnContext(ctx, "failed to publish job event", "job_id", ev.JobID, "status", ev.Status, "error", err)
	}
}

// Watcher decodes job events from NSQ and hands them to fn.
type Watcher struct {
	fn       func(JobEvent)
	tenantID string
}

func NewWatcher(tenantID string, fn func(JobEvent)) *Watcher {
	return &Watcher{fn: fn, tenantID: tenantID}
}

func (w *Watcher) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}
	var ev JobEvent
	if err := json.Unmarshal(m.Body, &ev); err != nil {
		slog.Error("invalid job event", "error", err)
		return nil // don't requeue garbage
	}
	if w.tenantID != "" && ev.TenantID != w.tenantID {
		return nil
	}
	w.fn(ev)
	return nil
}

// Watch consumes the job topic on channel until ctx ends.
func Watch(ctx context.Context, nsqdAddr, channel string, w *Watcher) error {
	consumer, err := nsq.NewConsumer(config.TopicIngestJob, channel, nsq.NewConfig())
	if err != nil {
		return err
	}
	consumer.SetLoggerLevel(nsq.LogLevelWarning)
	consumer.AddHandler(w)
	if err := consumer.ConnectToNSQD(nsqdAddr); err != nil {
		return err
	}
	<-ctx.Done()
	consumer.Stop()
	<-consumer.StopChan
	return nil
}
