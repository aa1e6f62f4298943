package pubsub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/e14-scraper/internal/scraper"
)

func TestPublishCompletionEvent(t *testing.T) {
	ctx := context.Background()

	srv := pstest.NewServer()
	defer srv.Close()
	_, err := srv.GServer.CreateTopic(ctx, &pubsubpb.Topic{Name: "projects/e14/topics/completed"})
	require.NoError(t, err)

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	pub, err := Dial(ctx, "e14", "completed", option.WithGRPCConn(conn))
	require.NoError(t, err)

	event := scraper.CompletionEvent{
		TaskID:      7,
		Campaign:    "senado-2026",
		Location:    scraper.LocationKey{Department: "01", Municipality: "001", Corporation: "SEN"},
		BlobURI:     "gs://e14-docs/e14/01/001/all/sen.pdf",
		CompletedAt: time.Date(2026, 3, 8, 18, 0, 0, 0, time.UTC),
	}
	id, err := pub.Publish(ctx, "ignored", event)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NoError(t, pub.Close())

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "senado-2026", msgs[0].Attributes["campaign"])
	require.Equal(t, "01", msgs[0].Attributes["department"])

	var got scraper.CompletionEvent
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, event, got)
}

func TestPublishRequiresPublisher(t *testing.T) {
	t.Parallel()

	_, err := New(nil).Publish(context.Background(), "t", map[string]string{})
	require.Error(t, err)
	require.NoError(t, New(nil).Close())

	_, err = Dial(context.Background(), "", "t")
	require.Error(t, err)
}
