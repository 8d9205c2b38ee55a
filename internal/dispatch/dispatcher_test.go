package dispatch

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lueurxax/scam-relay/internal/core/domain"
	"github.com/lueurxax/scam-relay/internal/core/ports/mocks"
)

func TestEnqueueStoresMessage(t *testing.T) {
	logger := zerolog.Nop()
	queue := mocks.NewAnalysisQueue()
	d := New(queue, &logger)

	msg := domain.MergedMessage{
		MessageID:   "4d7c2b0e-0a51-4a2f-9a57-5d4d1f0b2c10",
		Channel:     domain.ChannelWhatsApp,
		PhoneNumber: "+1555",
		Media:       []domain.MediaRef{{SourceURL: "https://media/1"}},
	}

	id, err := d.Enqueue(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, "job-1", id)

	job, ok := queue.Job(id)
	require.True(t, ok)
	assert.Equal(t, "pending", job.Status)
	assert.Equal(t, msg.MessageID, job.Job.MessageID)
	assert.Equal(t, msg, job.Job.Message)
}

func TestEnqueueIsIdempotentPerMessageID(t *testing.T) {
	queue := mocks.NewAnalysisQueue()
	d := New(queue, nil)

	msg := domain.MergedMessage{MessageID: "m-1", Channel: domain.ChannelWebApp, PhoneNumber: "+1555"}

	first, err := d.Enqueue(context.Background(), msg)
	require.NoError(t, err)

	second, err := d.Enqueue(context.Background(), msg)
	require.NoError(t, err)

	assert.Equal(t, first, second)

	pending, err := queue.CountPendingAnalyses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestEnqueueRejectsMissingMessageID(t *testing.T) {
	d := New(mocks.NewAnalysisQueue(), nil)

	_, err := d.Enqueue(context.Background(), domain.MergedMessage{PhoneNumber: "+1555"})
	assert.Error(t, err)
}

func TestEnqueuePropagatesQueueFailure(t *testing.T) {
	queue := mocks.NewAnalysisQueue()
	queue.EnqueueFn = func(context.Context, domain.MergedMessage) (string, error) {
		return "", mocks.ErrQueueDown
	}

	d := New(queue, nil)

	_, err := d.Enqueue(context.Background(), domain.MergedMessage{MessageID: "m-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, mocks.ErrQueueDown)
}
