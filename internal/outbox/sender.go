package outbox

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/matheus3301/warelay/internal/bus"
	"github.com/matheus3301/warelay/internal/store"
	"github.com/matheus3301/warelay/internal/wa"
	"go.uber.org/zap"
)

// Transport is the sending surface of the WhatsApp adapter.
type Transport interface {
	SendText(ctx context.Context, jid string, text string) (string, int64, error)
	SendMedia(ctx context.Context, jid string, payload wa.MediaPayload, caption string) (string, int64, error)
}

// Source returns the live transport, or nil when the session is down. The
// adapter gets recycled across reconnects so the sender resolves it per job.
type Source func() Transport

// Job is one queued send. TempID is the caller's correlation id and is
// echoed back on the result event.
type Job struct {
	TempID  string
	ChatJID string
	Body    string
	Media   *wa.MediaPayload
}

// Result is the payload of outbox.sent events.
type Result struct {
	TempID  string
	Message *store.Message
}

// Failure is the payload of outbox.failed events.
type Failure struct {
	TempID string
	Error  string
}

// ErrQueueFull is returned by Enqueue when the sender cannot keep up.
var ErrQueueFull = errors.New("outbox queue full")

// Sender drains queued sends through the WhatsApp adapter. Every job
// produces exactly one outbox.sent or outbox.failed event.
type Sender struct {
	jobs   chan Job
	source Source
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
}

// NewSender creates a new outbox sender.
func NewSender(source Source, b *bus.Bus, logger *zap.Logger) *Sender {
	return &Sender{
		jobs:   make(chan Job, 64),
		source: source,
		bus:    b,
		logger: logger,
	}
}

// Enqueue queues a send. It never blocks.
func (s *Sender) Enqueue(job Job) error {
	select {
	case s.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start begins draining the queue.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the sender loop.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Sender) loop(ctx context.Context) {
	for {
		select {
		case job := <-s.jobs:
			s.process(ctx, job)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) process(ctx context.Context, job Job) {
	transport := s.source()
	if transport == nil {
		s.fail(job, "session not initialized")
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var (
		serverID string
		sentAt   int64
		err      error
	)
	if job.Media != nil {
		serverID, sentAt, err = transport.SendMedia(sendCtx, job.ChatJID, *job.Media, job.Body)
	} else {
		serverID, sentAt, err = transport.SendText(sendCtx, job.ChatJID, job.Body)
	}
	if err != nil {
		s.logger.Error("failed to send message",
			zap.Error(err),
			zap.String("temp_id", job.TempID),
			zap.String("chat_jid", job.ChatJID))
		s.fail(job, err.Error())
		return
	}

	msg := &store.Message{
		ChatJID:     job.ChatJID,
		MsgID:       serverID,
		Body:        job.Body,
		MessageType: "text",
		FromMe:      true,
		Ack:         wa.AckSent,
		Timestamp:   sentAt,
	}
	if job.Media != nil {
		msg.MessageType = jobMediaType(job.Media.Mimetype)
		msg.HasMedia = true
	}

	s.logger.Info("message sent",
		zap.String("temp_id", job.TempID),
		zap.String("msg_id", serverID),
		zap.String("chat_jid", job.ChatJID))

	// The projection picks this up like any inbound message so the sent
	// message survives restarts.
	s.bus.Publish(bus.T("wa.message", msg))
	s.bus.Publish(bus.T("outbox.sent", Result{TempID: job.TempID, Message: msg}))
}

func (s *Sender) fail(job Job, reason string) {
	s.bus.Publish(bus.T("outbox.failed", Failure{TempID: job.TempID, Error: reason}))
}

func jobMediaType(mimetype string) string {
	switch {
	case strings.HasPrefix(mimetype, "image"):
		return "image"
	case strings.HasPrefix(mimetype, "video"):
		return "video"
	case strings.HasPrefix(mimetype, "audio"):
		return "audio"
	default:
		return "document"
	}
}
