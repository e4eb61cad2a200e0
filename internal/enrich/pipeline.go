package enrich

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/liverelay/internal/domain"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 20 * time.Second

// Config configures a Pipeline.
type Config struct {
	Options   domain.ConnectionOptions
	Providers Providers
	Timeout   time.Duration
	Logger    *slog.Logger
}

// Pipeline enriches the chat messages of one session. Options and
// providers are fixed at construction.
type Pipeline struct {
	opts      domain.ConnectionOptions
	providers Providers
	timeout   time.Duration
	sink      Sink
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a pipeline that reports to sink.
func New(sink Sink, cfg Config) *Pipeline {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		opts:      cfg.Options,
		providers: cfg.Providers,
		timeout:   cfg.Timeout,
		sink:      sink,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// tracked is the pipeline's copy of one message while tasks are in flight.
type tracked struct {
	mu  sync.Mutex
	msg domain.ChatMessage
}

// Submit emits msg immediately with its pending flags, then starts one
// task per enabled feature. Each task ends with exactly one ChatUpdate.
func (p *Pipeline) Submit(msg domain.ChatMessage) error {
	if msg.MsgID == "" {
		p.logger.Error("Rejecting chat message without id", "nickname", msg.Nickname)
		return ErrMissingMessageID
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	moderate, respond := p.opts.EnableModeration, p.opts.EnableResponse
	if moderate {
		p.wg.Add(1)
	}
	if respond {
		p.wg.Add(1)
	}
	p.mu.Unlock()

	msg.PendingModeration = moderate
	msg.PendingResponse = respond
	msg.ModerationStatus = initialStatus(moderate)
	msg.ResponseStatus = initialStatus(respond)
	msg.Moderation = nil
	msg.SuggestedResponse = ""

	p.sink.Chat(msg.Clone())

	t := &tracked{msg: msg.Clone()}
	if moderate {
		go p.runModeration(t)
	}
	if respond {
		go p.runResponse(t)
	}
	return nil
}

// Close cancels in-flight provider calls and waits for their updates.
func (p *Pipeline) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

func (p *Pipeline) runModeration(t *tracked) {
	defer p.wg.Done()

	t.mu.Lock()
	id, nickname, text := t.msg.MsgID, t.msg.Nickname, t.msg.Comment
	t.mu.Unlock()

	var result *domain.ModerationResult
	if p.providers.Moderator != nil && strings.TrimSpace(text) != "" {
		res, err := bounded(p.ctx, p.timeout, func(ctx context.Context) (*domain.ModerationResult, error) {
			return p.providers.Moderator.Moderate(ctx, text)
		})
		if err != nil {
			p.logger.Warn("Moderation unavailable", "msg_id", id, "error", err)
		} else if res != nil {
			res.Normalize()
			result = res
		}
	}

	if result != nil && result.Flagged {
		p.logger.Warn("Flagged comment",
			"msg_id", id,
			"nickname", nickname,
			"categories", result.FlaggedCategories(),
			"scores", result.CategoryScores,
		)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.msg.PendingModeration = false
	t.msg.ModerationStatus = finalStatus(result != nil)
	t.msg.Moderation = result
	p.sink.Update(domain.ChatUpdate{ID: id, Type: domain.UpdateModeration, Data: t.msg.Clone()})
}

func (p *Pipeline) runResponse(t *tracked) {
	defer p.wg.Done()

	t.mu.Lock()
	msg := t.msg
	t.mu.Unlock()

	var reply string
	if p.providers.Responder != nil && strings.TrimSpace(msg.Comment) != "" {
		prompt := ResponsePrompt(msg)
		text, err := bounded(p.ctx, p.timeout, func(ctx context.Context) (string, error) {
			return p.providers.Responder.Respond(ctx, prompt)
		})
		if err != nil {
			p.logger.Warn("Response generation unavailable", "msg_id", msg.MsgID, "error", err)
		} else {
			reply = StripReasoning(text)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.msg.PendingResponse = false
	t.msg.ResponseStatus = finalStatus(reply != "")
	t.msg.SuggestedResponse = reply
	p.sink.Update(domain.ChatUpdate{ID: msg.MsgID, Type: domain.UpdateResponse, Data: t.msg.Clone()})
}

// bounded runs call with a deadline and returns once the deadline passes,
// even if call ignores its context. A late result is discarded.
func bounded[T any](parent context.Context, timeout time.Duration, call func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := call(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func initialStatus(enabled bool) domain.EnrichmentStatus {
	if enabled {
		return domain.EnrichmentPending
	}
	return domain.EnrichmentSkipped
}

func finalStatus(ok bool) domain.EnrichmentStatus {
	if ok {
		return domain.EnrichmentDone
	}
	return domain.EnrichmentSkipped
}
