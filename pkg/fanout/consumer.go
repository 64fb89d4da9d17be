package fanout

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/streamplex/streamplex/pkg/logclient"
	"github.com/streamplex/streamplex/pkg/metrics"
)

const (
	// retryDelayTransient is the redelivery delay after a 5xx from the log.
	retryDelayTransient = 5 * time.Second

	// retryDelayError is the redelivery delay after a transport error.
	retryDelayError = 10 * time.Second

	consumerAckWait = 30 * time.Second
	consumerGroup   = "streamplex-fanout-workers"
)

// Consumer drains the fan-out queue and performs per-subscriber deliveries.
//
// Acknowledgement policy per delivery:
//   - 2xx or 404: ack (404 means the session is gone; the publisher's lazy
//     eviction handles removal, redelivering would never succeed)
//   - 5xx: redeliver after 5s
//   - transport error: redeliver after 10s
//   - other 4xx: ack, to avoid retrying malformed dedup claims forever
type Consumer struct {
	js      nats.JetStreamContext
	log     StreamAppender
	subject string
	sub     *nats.Subscription
}

// NewConsumer creates a queue consumer over the same JetStream context as
// the publishing side.
func NewConsumer(q *Queue, log StreamAppender) *Consumer {
	return &Consumer{js: q.js, log: log, subject: q.subject}
}

// Start subscribes to the fan-out subject. Deliveries are processed
// concurrently by the NATS dispatch goroutines; each message is acked
// independently.
func (c *Consumer) Start(ctx context.Context) error {
	sub, err := c.js.QueueSubscribe(c.subject, consumerGroup,
		func(msg *nats.Msg) { c.handle(ctx, msg) },
		nats.ManualAck(),
		nats.AckWait(consumerAckWait),
		nats.MaxDeliver(10),
	)
	if err != nil {
		return err
	}
	c.sub = sub
	slog.Info("Fan-out queue consumer started", "subject", c.subject)
	return nil
}

// Stop unsubscribes; in-flight messages redeliver after AckWait.
func (c *Consumer) Stop() {
	if c.sub != nil {
		if err := c.sub.Unsubscribe(); err != nil {
			slog.Warn("Fan-out consumer unsubscribe failed", "error", err)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *nats.Msg) {
	var qm QueueMessage
	if err := json.Unmarshal(msg.Data, &qm); err != nil {
		slog.Error("Dropping undecodable fan-out message", "error", err)
		_ = msg.Ack()
		return
	}

	payload, err := qm.Payload()
	if err != nil {
		slog.Error("Dropping fan-out message with bad payload encoding",
			"session_id", qm.SessionID, "error", err)
		_ = msg.Ack()
		return
	}

	res, err := c.log.PostStream(ctx, qm.DoKey, payload, qm.ContentType, qm.LogProducer())
	d := deliveryDisposition(res, err)
	metrics.FanoutDeliveries.WithLabelValues(d.outcome).Inc()

	if d.retry {
		slog.Warn("Queued fan-out delivery failed, will retry",
			"session_id", qm.SessionID, "status", res.Status, "delay", d.delay, "error", err)
		_ = msg.NakWithDelay(d.delay)
		return
	}
	if d.outcome == outcomeFailure {
		slog.Warn("Queued fan-out delivery rejected",
			"session_id", qm.SessionID, "status", res.Status)
	}
	_ = msg.Ack()
}

const (
	outcomeSuccess = "success"
	outcomeStale   = "stale"
	outcomeFailure = "failure"
)

// disposition is the acknowledgement decision for one queued delivery.
type disposition struct {
	retry   bool
	delay   time.Duration
	outcome string
}

// deliveryDisposition classifies one delivery attempt. Transport errors and
// 5xx redeliver with a delay; everything else acks, since 404 means the
// session is gone and the remaining 4xx never improve on retry.
func deliveryDisposition(res logclient.Result, err error) disposition {
	switch {
	case err != nil:
		return disposition{retry: true, delay: retryDelayError, outcome: outcomeFailure}
	case res.OK:
		return disposition{outcome: outcomeSuccess}
	case res.Status == http.StatusNotFound:
		return disposition{outcome: outcomeStale}
	case res.Status >= 500:
		return disposition{retry: true, delay: retryDelayTransient, outcome: outcomeFailure}
	default:
		return disposition{outcome: outcomeFailure}
	}
}
