package pubsub

import (
	"context"
	"testing"

	gpubsub "cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func newTestPublisher(t *testing.T) (*Publisher, *pstest.Server) {
	t.Helper()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	ctx := context.Background()
	client, err := gpubsub.NewClient(ctx, "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = client.CreateTopic(ctx, "collection.alerts")
	require.NoError(t, err)

	pub, err := New(client)
	require.NoError(t, err)
	t.Cleanup(pub.Close)
	return pub, srv
}

func TestPublish_DeliversJSON(t *testing.T) {
	t.Parallel()

	pub, srv := newTestPublisher(t)

	id, err := pub.Publish(context.Background(), "collection.alerts", map[string]any{"kind": "inflation"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.JSONEq(t, `{"kind":"inflation"}`, string(msgs[0].Data))
}

func TestPublish_ReusesTopicHandle(t *testing.T) {
	t.Parallel()

	pub, srv := newTestPublisher(t)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := pub.Publish(ctx, "collection.alerts", map[string]any{"n": i})
		require.NoError(t, err)
	}
	require.Len(t, srv.Messages(), 3)

	// One handle per topic name, no matter how many publishes.
	pub.mu.Lock()
	handles := len(pub.topics)
	pub.mu.Unlock()
	require.Equal(t, 1, handles)
}

func TestPublish_RejectsEmptyTopic(t *testing.T) {
	t.Parallel()

	pub, _ := newTestPublisher(t)

	_, err := pub.Publish(context.Background(), "", map[string]any{})
	require.Error(t, err)
}

func TestNew_RequiresClient(t *testing.T) {
	t.Parallel()

	_, err := New(nil)
	require.Error(t, err)
}
