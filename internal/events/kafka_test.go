package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/voiceavatar/api/internal/model"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSink_Notify(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w, topic: "avatar.progress.v1"}

	sink.Notify(model.ProgressEvent{
		RequestID: "req_1",
		JobID:     "vid_1",
		Stage:     model.StageRendering,
		ElapsedMs: 4200,
		Status:    model.JobStatusProcessing,
	})

	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, []byte("req_1"), msg.Key)
	assert.Equal(t, "stage", msg.Headers[0].Key)
	assert.Equal(t, []byte("rendering"), msg.Headers[0].Value)

	var got model.ProgressEvent
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, "vid_1", got.JobID)
	assert.Equal(t, int64(4200), got.ElapsedMs)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
}

func TestKafkaSink_NotifySwallowsErrors(t *testing.T) {
	sink := &KafkaSink{writer: &fakeWriter{err: errors.New("broker down")}, topic: "t"}
	assert.NotPanics(t, func() {
		sink.Notify(model.ProgressEvent{RequestID: "req_1", Stage: model.StageSubmitted})
	})
}
