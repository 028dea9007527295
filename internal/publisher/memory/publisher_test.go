package memory

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsEncodedMessages(t *testing.T) {
	t.Parallel()

	p := New()
	id, err := p.Publish(context.Background(), "extractions", map[string]string{"page_id": "p-1"})
	require.NoError(t, err)
	require.Equal(t, "memory-1", id)

	msgs := p.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "extractions", msgs[0].Topic)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	require.Equal(t, "p-1", decoded["page_id"])
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	p := New()
	_, err := p.Publish(context.Background(), "t", make(chan int))
	require.Error(t, err)
	require.Empty(t, p.Messages())
}
