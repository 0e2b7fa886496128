// Package jobs holds the concrete job types processed by the worker.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"post-queue/internal/queue"
)

// TypePost is the job type discriminator for message-posting jobs.
const TypePost = "post"

// Deliverer is the external delivery capability posts are sent through,
// supplied by dependency injection (e.g. a social-posting client).
type Deliverer interface {
	Deliver(ctx context.Context, content string, mediaIDs []string) error
}

// DeliveryError is returned by Deliverer implementations. Permanent marks
// rejections that will never succeed on retry, e.g. the service refused the
// content itself.
type DeliveryError struct {
	Reason    string
	Permanent bool
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery failed: %s", e.Reason)
}

// PostParams is the validated payload schema for post jobs.
type PostParams struct {
	Content  string   `json:"content" validate:"required,min=1,max=280"`
	MediaIDs []string `json:"media_ids,omitempty" validate:"omitempty,dive,required"`
}

// PostJob posts a single message through the injected Deliverer. It performs
// exactly one delivery call per execution; all retry orchestration belongs
// to the worker.
type PostJob struct {
	params *PostParams
	client Deliverer
	log    *zap.Logger
}

// Execute delivers the message. Permanent rejections are wrapped so the
// worker dead-letters immediately instead of scheduling retries.
func (j *PostJob) Execute(ctx context.Context) error {
	err := j.client.Deliver(ctx, j.params.Content, j.params.MediaIDs)
	if err == nil {
		j.log.Info("posted message", zap.Int("content_len", len(j.params.Content)))
		return nil
	}

	var derr *DeliveryError
	if errors.As(err, &derr) && derr.Permanent {
		return queue.Permanent(err)
	}
	return err
}

// RateLimitKey gates all post jobs under one bucket.
func (j *PostJob) RateLimitKey() string { return TypePost }

// RetryPolicy keeps the engine defaults: 3 retries at 1m, 2m, 4m.
func (j *PostJob) RetryPolicy() queue.RetryPolicy { return queue.DefaultRetryPolicy() }

// Timeout bounds one delivery call.
func (j *PostJob) Timeout() time.Duration { return 30 * time.Second }

// RegisterPost wires the post job type into the factory.
func RegisterPost(f *queue.Factory, client Deliverer, log *zap.Logger) error {
	return f.Register(TypePost, queue.Registration{
		NewParams: func() any { return &PostParams{} },
		Build: func(params any) (queue.Job, error) {
			p, ok := params.(*PostParams)
			if !ok {
				return nil, fmt.Errorf("unexpected params type %T", params)
			}
			return &PostJob{params: p, client: client, log: log}, nil
		},
	})
}
