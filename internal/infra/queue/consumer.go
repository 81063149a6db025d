package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/you-humble/dicomproc/internal/domain"
)

// Processor is the job orchestrator as the consumer sees it.
type Processor interface {
	ProcessStudy(ctx context.Context, jobID string, studyID int64, items []domain.BatchItem, callerID, correlationID string) (domain.ProcessResult, error)
	GenerateReport(ctx context.Context, jobID string, patientID int64, callerID, correlationID string) (domain.ReportResult, error)
}

type ConsumerConfig struct {
	Stream        string
	Subject       string
	ReportSubject string
	Size          int

	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

type natsConsumer struct {
	cfg       ConsumerConfig
	js        nats.JetStreamContext
	processor Processor

	done chan struct{}
	// started counts workers actually launched, so Stop never waits on
	// goroutines that a failed subscription prevented from starting.
	started int
	subs    []*nats.Subscription
}

func NewConsumer(cfg ConsumerConfig, js nats.JetStreamContext, processor Processor) *natsConsumer {
	workers := cfg.Size + 1 // report jobs get a worker of their own
	return &natsConsumer{
		cfg:       cfg,
		js:        js,
		processor: processor,
		done:      make(chan struct{}, workers),
	}
}

func (c *natsConsumer) Run(ctx context.Context) {
	processSub, err := c.subscribe("study-process-consumer", c.cfg.Subject, c.cfg.Size*2)
	if err != nil {
		slog.Error("JetStream subscribe", slog.String("error", err.Error()))
		return
	}
	reportSub, err := c.subscribe("patient-report-consumer", c.cfg.ReportSubject, 2)
	if err != nil {
		slog.Error("JetStream subscribe", slog.String("error", err.Error()))
		return
	}
	c.subs = []*nats.Subscription{processSub, reportSub}

	for range c.cfg.Size {
		go func() {
			defer func() { c.done <- struct{}{} }()
			c.runWorker(ctx, processSub, c.handleProcess)
		}()
	}
	go func() {
		defer func() { c.done <- struct{}{} }()
		c.runWorker(ctx, reportSub, c.handleReport)
	}()
	c.started = c.cfg.Size + 1

	slog.Info("queue consumer is running",
		slog.Int("workers", c.cfg.Size),
		slog.String("subject", c.cfg.Subject),
		slog.String("report_subject", c.cfg.ReportSubject),
	)
}

func (c *natsConsumer) Stop(ctx context.Context) {
	<-ctx.Done()

	for range c.started {
		<-c.done
	}

	for _, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			slog.Warn("NATS subscription drain", slog.String("error", err.Error()))
		}
	}

	slog.Info("queue consumer stopped")
}

func (c *natsConsumer) subscribe(durable, subject string, maxPending int) (*nats.Subscription, error) {
	_, err := c.js.AddConsumer(c.cfg.Stream, &nats.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     nats.AckExplicitPolicy,
		FilterSubject: subject,
		MaxAckPending: maxPending,
	})
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return nil, err
	}

	return c.js.PullSubscribe(subject, durable)
}

func (c *natsConsumer) runWorker(ctx context.Context, sub *nats.Subscription, handle func(context.Context, *nats.Msg)) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopping")
			return
		default:
		}

		msgs, err := sub.Fetch(1, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			slog.Warn("NATS Fetch", slog.String("error", err.Error()))
			time.Sleep(100 * time.Millisecond)
			continue
		}

		for _, msg := range msgs {
			handle(ctx, msg)
		}
	}
}

func (c *natsConsumer) handleProcess(ctx context.Context, msg *nats.Msg) {
	var m ProcessMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		slog.Error("malformed process message", slog.String("error", err.Error()))
		c.ack(msg)
		return
	}

	_, err := c.processor.ProcessStudy(ctx, m.JobID, m.StudyID, m.Items, m.CallerID, m.CorrelationID)
	c.settle(msg, m.JobID, err)
}

func (c *natsConsumer) handleReport(ctx context.Context, msg *nats.Msg) {
	var m ReportMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		slog.Error("malformed report message", slog.String("error", err.Error()))
		c.ack(msg)
		return
	}

	_, err := c.processor.GenerateReport(ctx, m.JobID, m.PatientID, m.CallerID, m.CorrelationID)
	c.settle(msg, m.JobID, err)
}

// settle acknowledges the delivery according to the outcome: success and
// terminal failures are acked, retryable failures are redelivered with
// exponential backoff until the attempt budget is spent.
func (c *natsConsumer) settle(msg *nats.Msg, jobID string, err error) {
	if err == nil {
		c.ack(msg)
		return
	}

	attempt := c.attempt(msg)
	if domain.IsRetryable(err) && attempt < c.cfg.MaxAttempts {
		delay := retryDelay(attempt, c.cfg.RetryBaseDelay, c.cfg.RetryMaxDelay)
		slog.Warn("job failed, scheduling retry",
			slog.String("job_id", jobID),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if nerr := msg.NakWithDelay(delay); nerr != nil {
			slog.Warn("NATS Nak", slog.String("error", nerr.Error()))
		}
		return
	}

	slog.Error("job failed terminally",
		slog.String("job_id", jobID),
		slog.Int("attempt", attempt),
		slog.Bool("retryable", domain.IsRetryable(err)),
		slog.String("error", err.Error()),
	)
	c.ack(msg)
}

func (c *natsConsumer) ack(msg *nats.Msg) {
	if err := msg.Ack(); err != nil {
		slog.Warn("NATS Ack", slog.String("error", err.Error()))
	}
}

// attempt reports which delivery this is, starting at 1.
func (c *natsConsumer) attempt(msg *nats.Msg) int {
	meta, err := msg.Metadata()
	if err != nil {
		return 1
	}
	return int(meta.NumDelivered)
}

// retryDelay doubles the base delay per attempt, caps it, and adds up to 25%
// jitter so synchronized failures do not retry in lockstep.
func retryDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			delay = maxDelay
			break
		}
	}
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}

	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}
