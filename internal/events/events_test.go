package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"qms/dispatch-service/internal/queue"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPublisherPublishesJSONUpdate(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	publisher := NewPublisher(rdb, "queue.updates", testLogger())

	update := queue.Update{
		Kind:         queue.UpdateTicketCalled,
		ServiceKey:   "RENEWAL",
		TicketNumber: "REN-0001",
		AgentID:      "agent1",
		At:           time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC),
	}
	payload, err := json.Marshal(update)
	require.NoError(t, err)
	mock.ExpectPublish("queue.updates", string(payload)).SetVal(1)

	require.NoError(t, publisher.QueueUpdated(update))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPublisherReportsRedisErrors(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	publisher := NewPublisher(rdb, "", testLogger())

	update := queue.Update{Kind: queue.UpdateQueueEmpty, ServiceKey: "PAYMENT"}
	payload, err := json.Marshal(update)
	require.NoError(t, err)
	mock.ExpectPublish(DefaultQueueUpdatesChannel, string(payload)).SetErr(errors.New("connection refused"))

	assert.Error(t, publisher.QueueUpdated(update))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCatalogAnnouncerPublishesChange(t *testing.T) {
	rdb, mock := redismock.NewClientMock()
	announcer := NewCatalogAnnouncer(rdb, "catalog", "node-a")
	at := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	announcer.now = func() time.Time { return at }

	payload, err := json.Marshal(CatalogChange{Action: "added", Key: "PERMITS", Origin: "node-a", At: at})
	require.NoError(t, err)
	mock.ExpectPublish("catalog", string(payload)).SetVal(2)

	require.NoError(t, announcer.Announce(context.Background(), "added", "PERMITS"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

type countingReloader struct {
	calls int
}

func (r *countingReloader) ServicesConfigurationChanged(ctx context.Context) error {
	r.calls++
	return nil
}

func TestCatalogListenerIgnoresOwnAnnouncements(t *testing.T) {
	rdb, _ := redismock.NewClientMock()
	reloader := &countingReloader{}
	listener := NewCatalogListener(rdb, "catalog", "node-a", reloader, testLogger())

	own, err := json.Marshal(CatalogChange{Action: "removed", Key: "CLAIMS", Origin: "node-a"})
	require.NoError(t, err)
	other, err := json.Marshal(CatalogChange{Action: "removed", Key: "CLAIMS", Origin: "node-b"})
	require.NoError(t, err)

	require.NoError(t, listener.handle(context.Background(), string(own)))
	assert.Equal(t, 0, reloader.calls)
	require.NoError(t, listener.handle(context.Background(), string(other)))
	assert.Equal(t, 1, reloader.calls)
	assert.Error(t, listener.handle(context.Background(), "not json"))
	assert.Equal(t, 1, reloader.calls)
}
