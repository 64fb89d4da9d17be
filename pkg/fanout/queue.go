package fanout

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/streamplex/streamplex/pkg/logclient"
)

const (
	// enqueueChunkSize is how many queue messages are published before the
	// pipeline waits for acknowledgements.
	enqueueChunkSize = 50

	// enqueueFlushTimeout bounds the wait for one chunk's acknowledgements.
	enqueueFlushTimeout = 5 * time.Second
)

// QueueMessage is one per-subscriber delivery carried through the queue.
// The payload rides base64-encoded inside the JSON envelope.
type QueueMessage struct {
	ID            string         `json:"id"`
	Project       string         `json:"project"`
	SessionID     string         `json:"sessionId"`
	DoKey         string         `json:"doKey"`
	PayloadBase64 string         `json:"payloadBase64"`
	ContentType   string         `json:"contentType"`
	Producer      *ProducerTuple `json:"producer,omitempty"`
}

// ProducerTuple is the JSON shape of the fan-out producer triple.
type ProducerTuple struct {
	ID    string `json:"id"`
	Epoch string `json:"epoch"`
	Seq   string `json:"seq"`
}

// Payload decodes the base64 payload.
func (m *QueueMessage) Payload() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.PayloadBase64)
}

// LogProducer converts the tuple back to the log client's form.
func (m *QueueMessage) LogProducer() *logclient.Producer {
	if m.Producer == nil {
		return nil
	}
	return &logclient.Producer{ID: m.Producer.ID, Epoch: m.Producer.Epoch, Seq: m.Producer.Seq}
}

// asyncPublisher is the slice of the JetStream context Enqueue uses.
type asyncPublisher interface {
	PublishAsync(subj string, data []byte, opts ...nats.PubOpt) (nats.PubAckFuture, error)
	PublishAsyncComplete() <-chan struct{}
}

// Queue publishes fan-out messages to a JetStream subject.
type Queue struct {
	js      nats.JetStreamContext
	pub     asyncPublisher
	conn    *nats.Conn
	subject string
}

// ConnectQueue connects to NATS and ensures the fan-out stream exists.
// subject doubles as the queue name; the backing JetStream stream is named
// after it with dots flattened.
func ConnectQueue(natsURL, subject string) (*Queue, error) {
	conn, err := nats.Connect(natsURL,
		nats.Name("streamplex-fanout"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}

	js, err := conn.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("opening JetStream context: %w", err)
	}

	streamName := streamNameFor(subject)
	if _, err := js.StreamInfo(streamName); err != nil {
		if !errors.Is(err, nats.ErrStreamNotFound) {
			conn.Close()
			return nil, fmt.Errorf("checking fan-out stream: %w", err)
		}
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      streamName,
			Subjects:  []string{subject},
			Retention: nats.WorkQueuePolicy,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("creating fan-out stream: %w", err)
		}
	}

	return &Queue{js: js, pub: js, conn: conn, subject: subject}, nil
}

// Subject returns the queue's JetStream subject.
func (q *Queue) Subject() string {
	return q.subject
}

// Close drains the NATS connection.
func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// Enqueue publishes one message per subscriber, pipelined in chunks.
// Any failure surfaces as an error so the caller can fall back to inline
// delivery; enqueue failure never silently drops a publish.
func (q *Queue) Enqueue(ctx context.Context, project string, sessionIDs []string, payload []byte, contentType string, producer *logclient.Producer) error {
	encoded := base64.StdEncoding.EncodeToString(payload)
	var tuple *ProducerTuple
	if producer != nil {
		tuple = &ProducerTuple{ID: producer.ID, Epoch: producer.Epoch, Seq: producer.Seq}
	}

	for start := 0; start < len(sessionIDs); start += enqueueChunkSize {
		end := min(start+enqueueChunkSize, len(sessionIDs))

		futures := make([]nats.PubAckFuture, 0, end-start)
		for _, sid := range sessionIDs[start:end] {
			msg := QueueMessage{
				ID:            uuid.NewString(),
				Project:       project,
				SessionID:     sid,
				DoKey:         logclient.DoKey(project, logclient.SessionStreamID(sid)),
				PayloadBase64: encoded,
				ContentType:   contentType,
				Producer:      tuple,
			}
			data, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("encoding queue message: %w", err)
			}
			future, err := q.pub.PublishAsync(q.subject, data)
			if err != nil {
				return fmt.Errorf("publishing queue message: %w", err)
			}
			futures = append(futures, future)
		}

		select {
		case <-q.pub.PublishAsyncComplete():
		case <-time.After(enqueueFlushTimeout):
			return fmt.Errorf("timed out waiting for %d queue acks", len(futures))
		case <-ctx.Done():
			return ctx.Err()
		}
		for _, f := range futures {
			select {
			case err := <-f.Err():
				return fmt.Errorf("queue message rejected: %w", err)
			default:
			}
		}
	}

	slog.Debug("Fan-out enqueued", "subject", q.subject, "messages", len(sessionIDs))
	return nil
}

// streamNameFor derives a JetStream stream name from the subject.
func streamNameFor(subject string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "*", "ANY", ">", "ALL").Replace(subject))
}
