package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/chairbook/libs/db"
	"github.com/md-rashed-zaman/chairbook/libs/kafkax"
	otelx "github.com/md-rashed-zaman/chairbook/libs/otel"
	"github.com/segmentio/kafka-go"
)

// MessageWriter is the part of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type Publisher struct {
	pool        *db.Pool
	repo        *Repository
	logger      *slog.Logger
	brokers     []string
	topicPrefix string
	pollEvery   time.Duration
	batchSize   int
}

type PublisherConfig struct {
	Brokers string
	// TopicPrefix is prepended to the event type to form the topic, e.g. "practice-a.".
	TopicPrefix string
	PollEvery   time.Duration
	BatchSize   int
}

func NewPublisher(pool *db.Pool, repo *Repository, logger *slog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 2 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{
		pool:        pool,
		repo:        repo,
		logger:      logger,
		brokers:     kafkax.SplitBrokers(cfg.Brokers),
		topicPrefix: cfg.TopicPrefix,
		pollEvery:   cfg.PollEvery,
		batchSize:   cfg.BatchSize,
	}
}

func (p *Publisher) Enabled() bool {
	return len(p.brokers) > 0 && p.pool != nil
}

// Run relays committed appointment events until ctx is done. Events of one appointment share
// a partition key so consumers see them in version order.
func (p *Publisher) Run(ctx context.Context) {
	if !p.Enabled() {
		p.logger.Warn("outbox publisher disabled (no kafka brokers or database configured)")
		return
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(p.brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	defer func() {
		if err := writer.Close(); err != nil {
			p.logger.Warn("outbox writer close failed", "err", err)
		}
	}()

	if n, age, err := p.repo.Backlog(ctx, p.pool); err == nil && n > 0 {
		p.logger.Info("outbox backlog at start", "events", n, "oldest_age", age)
	}

	ticker := time.NewTicker(p.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// A full batch means a backlog; keep draining before waiting for the next tick.
		for ctx.Err() == nil {
			n, err := p.publishBatch(ctx, writer)
			if err != nil {
				p.logger.Error("outbox publish failed", "err", err)
				break
			}
			if n < p.batchSize {
				break
			}
		}
	}
}

func (p *Publisher) publishBatch(ctx context.Context, writer MessageWriter) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	records, err := p.repo.FetchUnpublished(ctx, tx, p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, tx.Commit(ctx)
	}

	msgs := make([]kafka.Message, 0, len(records))
	ids := make([]int64, 0, len(records))
	for _, r := range records {
		msg := Message(ctx, r)
		msg.Topic = p.topicPrefix + msg.Topic
		msgs = append(msgs, msg)
		ids = append(ids, r.ID)
	}
	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		return 0, err
	}
	if err := p.repo.MarkPublished(ctx, tx, ids); err != nil {
		return 0, err
	}
	p.logger.Debug("outbox batch published", "count", len(ids))
	return len(ids), tx.Commit(ctx)
}

// Message converts a stored record into a Kafka message carrying the trace of the request
// that wrote it.
func Message(ctx context.Context, r Record) kafka.Message {
	msg := kafkax.EventMessage(kafkax.EventMeta{EventID: r.EventID, EventType: r.EventType}, r.AggregateID, r.Payload)
	msgCtx := otelx.ContextWithTraceContext(ctx, r.Traceparent, r.Tracestate)
	msg.Headers = kafkax.InjectTraceHeaders(msgCtx, msg.Headers)
	return msg
}
