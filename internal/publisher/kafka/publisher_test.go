package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	kgo "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

type fakeWriter struct {
	msgs   []kgo.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kgo.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublishCompletionEvent(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	pub := NewWithWriter(writer, "e14.completed")
	fixed := time.Date(2026, 3, 8, 18, 0, 0, 0, time.UTC)
	pub.now = func() time.Time { return fixed }

	event := scraper.CompletionEvent{
		TaskID:   3,
		Campaign: "camara-2026",
		Location: scraper.LocationKey{Department: "05", Municipality: "120", Zone: "01", Station: "004", Corporation: "CAM"},
		BlobURI:  "s3://e14-docs/e14/05/120/01-004/cam.pdf",
	}
	id, err := pub.Publish(context.Background(), "", event)
	require.NoError(t, err)
	require.Equal(t, "e14.completed/camara-2026:05/120/01/004/CAM", id)

	require.Len(t, writer.msgs, 1)
	msg := writer.msgs[0]
	require.Equal(t, "e14.completed", msg.Topic)
	require.Equal(t, "camara-2026:05/120/01/004/CAM", string(msg.Key))
	require.Equal(t, fixed, msg.Time)
	require.Equal(t, []kgo.Header{
		{Key: "campaign", Value: []byte("camara-2026")},
		{Key: "corporation", Value: []byte("CAM")},
		{Key: "department", Value: []byte("05")},
	}, msg.Headers)

	var got scraper.CompletionEvent
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	require.Equal(t, event.BlobURI, got.BlobURI)

	require.NoError(t, pub.Close())
	require.True(t, writer.closed)
}

func TestPublishExplicitTopicAndPlainPayload(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}
	pub := NewWithWriter(writer, "")
	_, err := pub.Publish(context.Background(), "", map[string]string{"k": "v"})
	require.Error(t, err)

	_, err = pub.Publish(context.Background(), "audit", map[string]string{"k": "v"})
	require.NoError(t, err)
	require.Equal(t, "audit", writer.msgs[0].Topic)
	require.Nil(t, writer.msgs[0].Key)
	require.Nil(t, writer.msgs[0].Headers)
}

func TestPublishWriteError(t *testing.T) {
	t.Parallel()

	pub := NewWithWriter(&fakeWriter{err: errors.New("leader not available")}, "t")
	_, err := pub.Publish(context.Background(), "", map[string]int{"a": 1})
	require.ErrorContains(t, err, "leader not available")
}

func TestNewRequiresBrokers(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "t")
	require.Error(t, err)
	pub, err := New([]string{"localhost:9092"}, "t")
	require.NoError(t, err)
	require.NoError(t, pub.Close())
}
