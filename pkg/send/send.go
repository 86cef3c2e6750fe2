// Package send runs the optimistic send state machine: a placeholder is
// shown at once, then either replaced by the stored message or withdrawn
// with its content handed back for resubmission.
package send

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mahaj/marketchat/pkg/apperr"
	"github.com/mahaj/marketchat/pkg/metrics"
	"github.com/mahaj/marketchat/pkg/model"
	"github.com/mahaj/marketchat/pkg/timeline"
)

const DefaultTimeout = 15 * time.Second

// Appender stores a message; messages.Service and the HTTP client both
// satisfy it.
type Appender interface {
	AppendMessage(ctx context.Context, d model.Draft) (model.Message, error)
}

type Request struct {
	ConversationID string
	Sender         model.IdentityRef
	Type           model.MessageType
	Content        string
	AttachmentRef  string
	// SenderProfile is what the placeholder is displayed with until the
	// stored message replaces it.
	SenderProfile *model.Profile
}

// Result is the terminal state of one send. On failure Content, Type and
// AttachmentRef carry what the user wrote so it can be sent again.
type Result struct {
	LocalID       string
	State         timeline.State
	Message       model.Message
	Type          model.MessageType
	Content       string
	AttachmentRef string
	Err           error
}

type Coordinator struct {
	appender Appender
	timeline *timeline.Timeline
	logger   zerolog.Logger
	timeout  time.Duration
	now      func() time.Time
	newID    func() string
}

// New returns a coordinator writing placeholders into tl. A zero timeout
// means DefaultTimeout.
func New(appender Appender, tl *timeline.Timeline, logger zerolog.Logger, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{
		appender: appender,
		timeline: tl,
		logger:   logger.With().Str("component", "send").Logger(),
		timeout:  timeout,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Send shows a placeholder and blocks until the append settles.
func (c *Coordinator) Send(ctx context.Context, req Request) Result {
	localID := c.begin(req)
	return c.settle(ctx, localID, req)
}

// Submit shows the placeholder before returning and settles the send in
// the background. The channel yields exactly one Result.
func (c *Coordinator) Submit(ctx context.Context, req Request) (string, <-chan Result) {
	localID := c.begin(req)
	out := make(chan Result, 1)
	go func() {
		out <- c.settle(ctx, localID, req)
	}()
	return localID, out
}

func (c *Coordinator) begin(req Request) string {
	localID := c.newID()
	c.timeline.AddPending(localID, model.Message{
		ConversationID: req.ConversationID,
		SenderID:       req.Sender.String(),
		Type:           req.Type,
		Content:        req.Content,
		AttachmentRef:  req.AttachmentRef,
		CreatedAt:      c.now().UTC(),
	}, req.SenderProfile)
	return localID
}

func (c *Coordinator) settle(ctx context.Context, localID string, req Request) Result {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := c.appender.AppendMessage(ctx, model.Draft{
		ConversationID: req.ConversationID,
		SenderID:       req.Sender.String(),
		Type:           req.Type,
		Content:        req.Content,
		AttachmentRef:  req.AttachmentRef,
		ClientRef:      localID,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, apperr.ErrTransient) {
			err = fmt.Errorf("send timed out: %w: %w", apperr.ErrTransient, err)
		}
		c.timeline.Fail(localID)
		metrics.SendsTotal.WithLabelValues(string(timeline.Failed)).Inc()
		c.logger.Warn().Err(err).Str("conversation_id", req.ConversationID).Str("local_id", localID).Msg("Send failed")
		return Result{
			LocalID:       localID,
			State:         timeline.Failed,
			Type:          req.Type,
			Content:       req.Content,
			AttachmentRef: req.AttachmentRef,
			Err:           err,
		}
	}

	if !c.timeline.Confirm(localID, msg) {
		c.logger.Debug().Int64("message_id", msg.ID).Str("local_id", localID).Msg("Live copy arrived first")
	}
	metrics.SendsTotal.WithLabelValues(string(timeline.Confirmed)).Inc()
	return Result{
		LocalID:       localID,
		State:         timeline.Confirmed,
		Message:       msg,
		Type:          msg.Type,
		Content:       msg.Content,
		AttachmentRef: msg.AttachmentRef,
	}
}
