package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/askrag/internal/infrastructure/resilience"
)

const workerGroup = "ingest-workers"

type Queue struct {
	conn           *nats.Conn
	subject        string
	executor       *resilience.Executor
	handlerTimeout time.Duration
	onDelivery     func(lag time.Duration)
}

func New(url, subject string) (*Queue, error) {
	return NewWithOptions(url, subject, Options{})
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
	// HandlerTimeout bounds one delivery; zero means no bound.
	HandlerTimeout time.Duration
	// OnDelivery observes the time between publish and delivery.
	OnDelivery func(lag time.Duration)
}

func NewWithOptions(url, subject string, options Options) (*Queue, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("askrag"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Queue{
		conn:           conn,
		subject:        subject,
		executor:       options.ResilienceExecutor,
		handlerTimeout: options.HandlerTimeout,
		onDelivery:     options.OnDelivery,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

// ingestEvent is the message body published for a staged document.
type ingestEvent struct {
	DocumentID  string    `json:"document_id"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func encodeEvent(documentID string, at time.Time) ([]byte, error) {
	return json.Marshal(ingestEvent{DocumentID: documentID, SubmittedAt: at.UTC()})
}

// decodeEvent also accepts a bare document id.
func decodeEvent(data []byte) (ingestEvent, error) {
	var ev ingestEvent
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &ev); err != nil {
			return ingestEvent{}, fmt.Errorf("decode ingest event: %w", err)
		}
	} else {
		ev.DocumentID = trimmed
	}
	if ev.DocumentID == "" {
		return ingestEvent{}, errors.New("ingest event has no document id")
	}
	return ev, nil
}

func (q *Queue) PublishDocumentIngested(ctx context.Context, documentID string) error {
	body, err := encodeEvent(documentID, time.Now())
	if err != nil {
		return err
	}
	call := func(_ context.Context) error {
		if err := q.conn.Publish(q.subject, body); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyPublishError)
	} else {
		err = call(ctx)
	}
	return publishError(err)
}

func (q *Queue) SubscribeDocumentIngested(ctx context.Context, handler func(context.Context, string) error) error {
	sub, err := q.conn.QueueSubscribe(q.subject, workerGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}
		ev, err := decodeEvent(msg.Data)
		if err != nil {
			slog.Error("ingest_event_rejected", "error", err)
			return
		}
		if q.onDelivery != nil && !ev.SubmittedAt.IsZero() {
			q.onDelivery(time.Since(ev.SubmittedAt))
		}

		handlerCtx, cancel := ctx, context.CancelFunc(func() {})
		if q.handlerTimeout > 0 {
			handlerCtx, cancel = context.WithTimeout(ctx, q.handlerTimeout)
		}
		defer cancel()
		if err := handler(handlerCtx, ev.DocumentID); err != nil {
			slog.Error("ingest_handler_failed", "document_id", ev.DocumentID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := q.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := q.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}
