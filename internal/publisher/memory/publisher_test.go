package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublish_RecordsMessagesInOrder(t *testing.T) {
	t.Parallel()

	p := New()
	id1, err := p.Publish(context.Background(), "alerts", map[string]any{"kind": "inflation"})
	require.NoError(t, err)
	id2, err := p.Publish(context.Background(), "jobs", map[string]any{"status": "succeeded"})
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	msgs := p.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, "alerts", msgs[0].Topic)
	require.Equal(t, "jobs", msgs[1].Topic)
}
