package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublisherRecordsNotifications(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "watchdog", map[string]string{"phase": "Recovered"})
	require.NoError(t, err)
	assert.Equal(t, "memory-1", id1)
	id2, err := pub.Publish(context.Background(), "tiering", "payload")
	require.NoError(t, err)
	assert.Equal(t, "memory-2", id2)

	msgs := pub.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "watchdog", msgs[0].Topic)
	assert.Len(t, pub.Topic("tiering"), 1)

	msgs[0].Topic = "modified"
	assert.Equal(t, "watchdog", pub.Messages()[0].Topic, "Messages returns a copy")
}

func TestPublisherFailures(t *testing.T) {
	t.Parallel()

	pub := New()
	_, err := pub.Publish(context.Background(), "", "payload")
	require.Error(t, err)

	boom := errors.New("broker down")
	pub.FailWith(boom)
	_, err = pub.Publish(context.Background(), "watchdog", "payload")
	require.ErrorIs(t, err, boom)
	assert.Empty(t, pub.Messages())

	pub.FailWith(nil)
	_, err = pub.Publish(context.Background(), "watchdog", "payload")
	require.NoError(t, err)
}
