// Package orchestrator coordinates one completion: attachment staging,
// history packing, the upstream streaming call, transcoding and cleanup.
package orchestrator

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/larkbridge/larkbridge/internal/domain"
	"github.com/larkbridge/larkbridge/internal/packer"
	"github.com/larkbridge/larkbridge/internal/upload"
	"github.com/larkbridge/larkbridge/internal/upstream"
)

// fallbackText is the synthetic reply substituted in streaming mode once
// retries are exhausted.
const fallbackText = "The service is temporarily unavailable. Please try again later."

// UpstreamClient is the slice of the upstream client the orchestrator needs.
type UpstreamClient interface {
	StreamCompletion(ctx context.Context, credential string, payload *upstream.ChatPayload) (io.ReadCloser, error)
	DeleteConversation(ctx context.Context, credential, conversationID string) error
}

// AttachmentStager uploads attachment sources, degrading on failure.
type AttachmentStager interface {
	StageAll(ctx context.Context, session string, sources []upload.Source) []domain.AssetRef
}

// TokenCounter estimates token usage for buffered responses.
type TokenCounter interface {
	CountText(model, text string) int
}

// Recorder persists completed interactions asynchronously.
type Recorder interface {
	Record(interaction domain.Interaction)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRetry overrides the attempt bound and spacing.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(o *Orchestrator) {
		o.maxAttempts = attempts
		o.retryDelay = delay
	}
}

// WithRecorder enables interaction recording.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) {
		o.recorder = r
	}
}

// WithStager enables attachment staging.
func WithStager(s AttachmentStager) Option {
	return func(o *Orchestrator) {
		o.stager = s
	}
}

// WithTokenCounter enables usage accounting on buffered responses.
func WithTokenCounter(c TokenCounter) Option {
	return func(o *Orchestrator) {
		o.counter = c
	}
}

// Orchestrator runs the pack -> call -> transcode pipeline with retry.
type Orchestrator struct {
	client      UpstreamClient
	stager      AttachmentStager
	packer      *packer.Packer
	counter     TokenCounter
	recorder    Recorder
	logger      *slog.Logger
	maxAttempts int
	retryDelay  time.Duration
}

// New creates an Orchestrator.
func New(client UpstreamClient, logger *slog.Logger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:      client,
		packer:      packer.New(logger),
		logger:      logger,
		maxAttempts: 3,
		retryDelay:  5 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Complete runs one buffered completion. Failures are raised after the
// retry bound is exhausted.
func (o *Orchestrator) Complete(ctx context.Context, req *domain.CompletionRequest) (*domain.CompletionObject, error) {
	start := time.Now()
	payload := o.buildPayload(ctx, req)

	var lastErr error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		if attempt > 1 && !o.pause(ctx) {
			break
		}

		body, err := o.client.StreamCompletion(ctx, req.Credential, payload)
		if err != nil {
			lastErr = err
			o.logger.Warn("completion attempt failed",
				slog.Int("attempt", attempt),
				slog.String("kind", string(domain.KindOf(err))),
				slog.String("error", err.Error()))
			continue
		}

		result, err := upstream.Collect(body, upstream.NewTranscoder())
		body.Close()
		if err != nil {
			lastErr = err
			o.logger.Warn("completion attempt failed mid-stream",
				slog.Int("attempt", attempt),
				slog.String("kind", string(domain.KindOf(err))),
				slog.String("error", err.Error()))
			continue
		}

		o.cleanup(req, result.ConversationID)
		obj := o.buildObject(req, payload.Text, result.Text)
		o.record(req, result, domain.InteractionStatusSuccess, "", start)
		return obj, nil
	}

	o.record(req, nil, domain.InteractionStatusError, string(domain.KindOf(lastErr)), start)
	return nil, lastErr
}

// Stream runs one live completion. The returned sequence is finite and not
// restartable: it always terminates with a finish_reason stop chunk, even
// after mid-stream failure or retry exhaustion.
func (o *Orchestrator) Stream(ctx context.Context, req *domain.CompletionRequest) <-chan domain.CompletionChunk {
	out := make(chan domain.CompletionChunk)
	go func() {
		defer close(out)
		start := time.Now()

		b := newChunkBuilder(req.Model)
		send := func(chunk domain.CompletionChunk) bool {
			select {
			case out <- chunk:
				return true
			case <-ctx.Done():
				return false
			}
		}

		payload := o.buildPayload(ctx, req)

		opened := false
		emitted := false
		for attempt := 1; attempt <= o.maxAttempts; attempt++ {
			if attempt > 1 && !o.pause(ctx) {
				return
			}

			body, err := o.client.StreamCompletion(ctx, req.Credential, payload)
			if err != nil {
				o.logger.Warn("stream attempt failed",
					slog.Int("attempt", attempt),
					slog.String("kind", string(domain.KindOf(err))),
					slog.String("error", err.Error()))
				continue
			}

			// The initial empty-delta chunk opens the sequence; it is
			// held back until the upstream stream demonstrably produces
			// output so an error-before-first-delta can still retry
			// without the consumer seeing a half-open sequence.
			ensureOpened := func() bool {
				if opened {
					return true
				}
				opened = true
				return send(b.roleChunk())
			}

			tr := upstream.NewTranscoder()
			events := upstream.Events(body, tr)
			// abandon unblocks the event producer when the consumer is
			// gone, then runs the deferred cleanup anyway.
			abandon := func() {
				body.Close()
				go func() {
					for range events {
					}
				}()
				o.cleanup(req, tr.ConversationID())
			}
			failed := false
			for ev := range events {
				switch ev.Kind {
				case upstream.EventDelta:
					if !ensureOpened() || !send(b.deltaChunk(ev.Text)) {
						abandon()
						return
					}
					emitted = true
				case upstream.EventTerminal:
					body.Close()
					o.cleanup(req, tr.ConversationID())
					if ensureOpened() {
						send(b.stopChunk(""))
					}
					o.record(req, &upstream.Result{ConversationID: tr.ConversationID()},
						domain.InteractionStatusSuccess, "", start)
					return
				case upstream.EventError:
					o.logger.Warn("stream attempt failed mid-stream",
						slog.Int("attempt", attempt),
						slog.String("kind", string(domain.KindOf(ev.Err))),
						slog.String("error", ev.Err.Error()))
					failed = true
				}
			}
			body.Close()

			if failed && emitted {
				// The consumer already saw deltas; close the sequence
				// cleanly instead of restarting it.
				o.cleanup(req, tr.ConversationID())
				send(b.stopChunk(""))
				o.record(req, nil, domain.InteractionStatusError, string(domain.ErrUpstreamRequestFailed), start)
				return
			}
		}

		send(b.stopChunk(fallbackText))
		o.record(req, nil, domain.InteractionStatusError, string(domain.ErrUpstreamRequestFailed), start)
	}()
	return out
}

// buildPayload stages the final message's attachments and flattens the
// conversation.
func (o *Orchestrator) buildPayload(ctx context.Context, req *domain.CompletionRequest) *upstream.ChatPayload {
	var refs []domain.AssetRef
	if sources := attachmentSources(req.Messages); len(sources) > 0 && o.stager != nil {
		refs = o.stager.StageAll(ctx, req.Credential, sources)
	}
	return o.packer.Pack(req.Messages, refs, req.ConversationID)
}

// attachmentSources scans only the last message for upload-worthy
// references; earlier messages are plain history.
func attachmentSources(messages []domain.ChatMessage) []upload.Source {
	if len(messages) == 0 {
		return nil
	}
	var sources []upload.Source
	for _, part := range messages[len(messages)-1].Content.Attachments() {
		switch part.Type {
		case domain.ContentTypeImageURL:
			sources = append(sources, upload.Source{
				URL:     part.ImageURL.URL,
				Name:    part.ImageURL.Name,
				IsImage: true,
			})
		case domain.ContentTypeFileURL:
			sources = append(sources, upload.Source{
				URL:  part.FileURL.URL,
				Name: part.FileURL.Name,
			})
		}
	}
	return sources
}

// cleanup discards the ephemeral upstream conversation without blocking the
// caller's response. Continued conversations belong to the caller and are
// kept. A missing conversation id means there is nothing upstream to
// delete; the deferred deletion is simply skipped.
func (o *Orchestrator) cleanup(req *domain.CompletionRequest, conversationID string) {
	if req.ConversationID != "" || conversationID == "" {
		return
	}
	credential := req.Credential
	go func() {
		if err := o.client.DeleteConversation(context.Background(), credential, conversationID); err != nil {
			o.logger.Warn("conversation cleanup failed",
				slog.String("conversation_id", conversationID),
				slog.String("error", err.Error()))
		}
	}()
}

func (o *Orchestrator) buildObject(req *domain.CompletionRequest, prompt, text string) *domain.CompletionObject {
	obj := &domain.CompletionObject{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []domain.Choice{{
			Message:      domain.Message{Role: domain.RoleAssistant, Content: text},
			FinishReason: domain.FinishReasonStop,
		}},
	}
	if o.counter != nil {
		obj.Usage.PromptTokens = o.counter.CountText(req.Model, prompt)
		obj.Usage.CompletionTokens = o.counter.CountText(req.Model, text)
		obj.Usage.TotalTokens = obj.Usage.PromptTokens + obj.Usage.CompletionTokens
	}
	return obj
}

func (o *Orchestrator) record(req *domain.CompletionRequest, result *upstream.Result, status, errorKind string, start time.Time) {
	if o.recorder == nil {
		return
	}
	interaction := domain.Interaction{
		ID:        uuid.New().String(),
		Model:     req.Model,
		Streaming: req.Stream,
		Status:    status,
		ErrorKind: errorKind,
		Duration:  time.Since(start),
		CreatedAt: time.Now(),
	}
	if status == domain.InteractionStatusSuccess {
		interaction.FinishReason = domain.FinishReasonStop
	}
	if result != nil {
		interaction.ResponseChars = len(result.Text)
		interaction.ConversationID = result.ConversationID
	}
	for _, msg := range req.Messages {
		interaction.PromptChars += len(msg.Content.String())
	}
	o.recorder.Record(interaction)
}

// pause waits the retry delay, honoring cancellation.
func (o *Orchestrator) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(o.retryDelay):
		return true
	}
}

// chunkBuilder stamps all chunks of one live sequence with a shared id.
type chunkBuilder struct {
	id      string
	created int64
	model   string
}

func newChunkBuilder(model string) *chunkBuilder {
	return &chunkBuilder{
		id:      "chatcmpl-" + uuid.New().String(),
		created: time.Now().Unix(),
		model:   model,
	}
}

func (b *chunkBuilder) chunk(delta domain.Delta, finish *string) domain.CompletionChunk {
	return domain.CompletionChunk{
		ID:      b.id,
		Object:  "chat.completion.chunk",
		Created: b.created,
		Model:   b.model,
		Choices: []domain.ChunkChoice{{Delta: delta, FinishReason: finish}},
	}
}

// roleChunk is the initial empty-delta chunk emitted on open.
func (b *chunkBuilder) roleChunk() domain.CompletionChunk {
	return b.chunk(domain.Delta{Role: domain.RoleAssistant}, nil)
}

func (b *chunkBuilder) deltaChunk(text string) domain.CompletionChunk {
	return b.chunk(domain.Delta{Content: text}, nil)
}

// stopChunk terminates the sequence, optionally carrying fallback text.
func (b *chunkBuilder) stopChunk(text string) domain.CompletionChunk {
	finish := domain.FinishReasonStop
	return b.chunk(domain.Delta{Content: text}, &finish)
}
