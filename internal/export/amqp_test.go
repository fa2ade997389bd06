package export

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/elspeth/elspeth/pkg/contracts"
)

var errQueueDeclare = errors.New("queue declare failed")

func TestAMQPPublisher_PublishSerializesNotification(t *testing.T) {
	dialer, ch := NewMockDialer()
	pub, err := NewAMQPPublisherWithDialer("amqp://localhost", "elspeth.export", dialer, nil)
	require.NoError(t, err)

	n := ExportNotification{
		RunID:      "run-1",
		RowID:      "row-1",
		SinkNodeID: "sink_csv_abc",
		Status:     contracts.ExportStatusCompleted,
		OccurredAt: time.Unix(0, 0).UTC(),
	}
	require.NoError(t, pub.Publish(n))
	require.Len(t, ch.Published, 1)

	var decoded ExportNotification
	require.NoError(t, json.Unmarshal(ch.Published[0].Body, &decoded))
	require.Equal(t, n.RowID, decoded.RowID)
	require.Equal(t, contracts.ExportStatusCompleted, decoded.Status)
}

func TestAMQPPublisher_QueueDeclareFailurePropagates(t *testing.T) {
	_, err := NewAMQPPublisherWithDialer("amqp://localhost", "elspeth.export", &MockDialer{
		Connection: &MockConnection{MockChannel: &MockChannel{QueueDeclareErr: errQueueDeclare}},
	}, nil)
	require.Error(t, err)
}

func TestNoopPublisher_NeverErrors(t *testing.T) {
	var p NoopPublisher
	require.NoError(t, p.Publish(ExportNotification{}))
	require.NoError(t, p.Close())
}
