package worker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/PaulSonOfLars/gotgbot/v2"
	"github.com/rs/zerolog"

	"planepi/internal/metrics"
	"planepi/internal/orchestrator"
	"planepi/internal/queue"
	"planepi/internal/sse"
	"planepi/internal/storage"
)

// telegram rejects longer messages
const maxReplyRunes = 4000

type Engine interface {
	HandleTurnSync(ctx context.Context, req orchestrator.TurnRequest) (orchestrator.Result, error)
}

// Replier delivers the answer back to the integration chat the job came from.
type Replier interface {
	Reply(ctx context.Context, externalChat, replyTo int64, text string) error
}

type Jobs interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, count int64) ([]queue.Message, error)
	Reclaim(ctx context.Context, minIdle time.Duration, count int64) ([]queue.Message, error)
	Enqueue(ctx context.Context, job queue.TurnJob) (string, error)
	Ack(ctx context.Context, messageID string) error
}

type Worker struct {
	engine        Engine
	replier       Replier
	queue         Jobs
	maxJobRetries int
	turnTimeout   time.Duration
	logger        zerolog.Logger
	metrics       *metrics.Metrics
}

type Config struct {
	Engine        Engine
	Replier       Replier
	Queue         Jobs
	MaxJobRetries int
	TurnTimeout   time.Duration
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxJobRetries < 0 {
		cfg.MaxJobRetries = 0
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 2 * time.Minute
	}
	return &Worker{
		engine:        cfg.Engine,
		replier:       cfg.Replier,
		queue:         cfg.Queue,
		maxJobRetries: cfg.MaxJobRetries,
		turnTimeout:   cfg.TurnTimeout,
		logger:        cfg.Logger.With().Str("component", "worker").Logger(),
		metrics:       m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reclaimLoop(ctx)
	}()
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		for _, msg := range messages {
			w.handle(ctx, log, msg)
		}
	}
}

// reclaimLoop picks up jobs left unacked for longer than a turn may run,
// which only happens when a worker died holding them.
func (w *Worker) reclaimLoop(ctx context.Context) {
	log := w.logger.With().Str("loop", "reclaim").Logger()
	ticker := time.NewTicker(w.turnTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		messages, err := w.queue.Reclaim(ctx, 2*w.turnTimeout, 10)
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("failed to reclaim stale jobs")
			}
			continue
		}
		for _, msg := range messages {
			log.Warn().Str("msg_id", msg.ID).Str("job_id", msg.Job.JobID).Msg("reclaimed stale job")
			w.handle(ctx, log, msg)
		}
	}
}

// handle processes one stream entry and always acks it: on success, after a
// re-enqueue for retry, or after telling the user the turn failed.
func (w *Worker) handle(ctx context.Context, log zerolog.Logger, msg queue.Message) {
	if msg.Invalid {
		log.Warn().Str("msg_id", msg.ID).Msg("dropping undecodable job")
		w.ack(ctx, log, msg.ID)
		return
	}

	saved, err := w.processJob(ctx, msg.Job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		w.ack(ctx, log, msg.ID)
		return
	}

	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Str("job_id", msg.Job.JobID).Int("attempt", msg.Job.Attempts).Msg("job failed")

	if retryable(err) && msg.Job.Attempts < w.maxJobRetries {
		msg.Job.Attempts++
		if saved != "" {
			msg.Job.MessageID = saved
		}
		if _, enqueueErr := w.queue.Enqueue(ctx, msg.Job); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("job_id", msg.Job.JobID).Msg("failed to re-enqueue failed job")
			return
		}
		w.ack(ctx, log, msg.ID)
		return
	}

	text := sse.Classify(err).Message
	if replyErr := w.replier.Reply(ctx, msg.Job.ExternalChat, msg.Job.ReplyTo, text); replyErr != nil {
		log.Error().Err(replyErr).Str("job_id", msg.Job.JobID).Msg("failed to deliver failure notice")
	}
	w.ack(ctx, log, msg.ID)
}

func (w *Worker) ack(ctx context.Context, log zerolog.Logger, id string) {
	if err := w.queue.Ack(ctx, id); err != nil {
		log.Error().Err(err).Str("msg_id", id).Msg("failed to ack message")
	}
}

// processJob runs the turn and replies. It returns the id of the stored user
// message, which is set even when the turn failed after storing it.
func (w *Worker) processJob(ctx context.Context, job queue.TurnJob) (string, error) {
	tctx, cancel := context.WithTimeout(ctx, w.turnTimeout)
	defer cancel()

	res, err := w.engine.HandleTurnSync(tctx, orchestrator.TurnRequest{
		ChatID:        job.ChatID,
		UserID:        job.UserID,
		WorkspaceID:   job.WorkspaceID,
		WorkspaceSlug: job.WorkspaceSlug,
		Query:         job.Query,
		IsNew:         job.IsNew,
		Source:        storage.SourceAppIntegration,
		Mode:          storage.ModeAsk,
		UserMessageID: job.MessageID,
	})
	if err != nil {
		return res.MessageID, err
	}

	text := strings.TrimSpace(res.Answer)
	if text == "" {
		text = "I don't have an answer for that yet."
	}
	if r := []rune(text); len(r) > maxReplyRunes {
		text = string(r[:maxReplyRunes])
	}
	// the turn is already persisted; running it again would duplicate it
	if err := w.replier.Reply(ctx, job.ExternalChat, job.ReplyTo, text); err != nil {
		w.logger.Error().Err(err).Str("job_id", job.JobID).Str("chat_id", res.ChatID).Msg("failed to deliver answer")
	}
	return res.MessageID, nil
}

// retryable reports whether running the turn again could succeed. A
// disabled feature or an empty query fails the same way every time.
func retryable(err error) bool {
	switch sse.Classify(err).Code {
	case "feature_disabled", "generic_error":
		return false
	}
	return true
}

// TelegramReplier answers through the bot API.
type TelegramReplier struct {
	Bot *gotgbot.Bot
}

func (r TelegramReplier) Reply(ctx context.Context, externalChat, replyTo int64, text string) error {
	opts := &gotgbot.SendMessageOpts{}
	if replyTo > 0 {
		opts.ReplyParameters = &gotgbot.ReplyParameters{MessageId: replyTo}
	}
	if _, err := r.Bot.SendMessageWithContext(ctx, externalChat, text, opts); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}
