package audit

import (
	"context"
)

// Publisher is satisfied by the kafka publisher.
type Publisher interface {
	Publish(ctx context.Context, key, id string, value any) error
}

// StreamSink mirrors events to an event stream keyed by resource id so all
// events of one consultation land on the same partition.
type StreamSink struct {
	pub Publisher
}

func NewStreamSink(pub Publisher) *StreamSink {
	return &StreamSink{pub: pub}
}

func (s *StreamSink) Append(ctx context.Context, e Event) error {
	return s.pub.Publish(ctx, e.ResourceID.String(), e.ID.String(), e)
}
