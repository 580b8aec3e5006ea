package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	skafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	msgs []skafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...skafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestPublish(t *testing.T) {
	fw := &fakeWriter{}
	p := NewPublisherWithWriter(fw)

	require.NoError(t, p.Publish(context.Background(), "c-1", "e-1", map[string]string{"a": "b"}))
	require.Len(t, fw.msgs, 1)
	assert.Equal(t, "c-1", string(fw.msgs[0].Key))

	var body map[string]string
	require.NoError(t, json.Unmarshal(fw.msgs[0].Value, &body))
	assert.Equal(t, "b", body["a"])
	assert.Equal(t, "event_id", fw.msgs[0].Headers[0].Key)
}

func TestPublishSuppressesDuplicates(t *testing.T) {
	fw := &fakeWriter{}
	p := NewPublisherWithWriter(fw)

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Publish(context.Background(), "c-1", "e-1", i))
	}
	assert.Len(t, fw.msgs, 1)
}

func TestFailedPublishIsRetryable(t *testing.T) {
	fw := &fakeWriter{err: errors.New("broker down")}
	p := NewPublisherWithWriter(fw)

	require.Error(t, p.Publish(context.Background(), "c-1", "e-1", 1))

	fw.err = nil
	require.NoError(t, p.Publish(context.Background(), "c-1", "e-1", 1))
	assert.Len(t, fw.msgs, 1)
}
