package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CatalogChange is the message announced when an administrator edits the
// service catalog.
type CatalogChange struct {
	Action string    `json:"action"`
	Key    string    `json:"service_type"`
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

type Reloader interface {
	ServicesConfigurationChanged(ctx context.Context) error
}

// NewOrigin identifies this process on the catalog channel.
func NewOrigin() string {
	return uuid.NewString()
}

type CatalogAnnouncer struct {
	client  redis.UniversalClient
	channel string
	origin  string
	now     func() time.Time
}

func NewCatalogAnnouncer(client redis.UniversalClient, channel, origin string) *CatalogAnnouncer {
	if channel == "" {
		channel = DefaultCatalogChannel
	}
	return &CatalogAnnouncer{
		client:  client,
		channel: channel,
		origin:  origin,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (a *CatalogAnnouncer) Announce(ctx context.Context, action, key string) error {
	payload, err := json.Marshal(CatalogChange{Action: action, Key: key, Origin: a.origin, At: a.now()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return a.client.Publish(ctx, a.channel, string(payload)).Err()
}

// CatalogListener reloads the engine when another process announces a
// catalog change. Messages from its own origin are ignored.
type CatalogListener struct {
	client   redis.UniversalClient
	channel  string
	origin   string
	reloader Reloader
	logger   *slog.Logger
}

func NewCatalogListener(client redis.UniversalClient, channel, origin string, reloader Reloader, logger *slog.Logger) *CatalogListener {
	if channel == "" {
		channel = DefaultCatalogChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CatalogListener{client: client, channel: channel, origin: origin, reloader: reloader, logger: logger}
}

// Run blocks until ctx is done or the subscription closes.
func (l *CatalogListener) Run(ctx context.Context) error {
	sub := l.client.Subscribe(ctx, l.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("subscribe %s: %w", l.channel, err)
	}
	l.logger.Info("listening for catalog changes", "channel", l.channel)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			if err := l.handle(ctx, msg.Payload); err != nil {
				l.logger.Error("catalog change not applied", "error", err)
			}
		}
	}
}

func (l *CatalogListener) handle(ctx context.Context, payload string) error {
	var change CatalogChange
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return fmt.Errorf("decode catalog change: %w", err)
	}
	if change.Origin != "" && change.Origin == l.origin {
		return nil
	}
	l.logger.Info("catalog change received", "action", change.Action, "service_type", change.Key, "origin", change.Origin)
	return l.reloader.ServicesConfigurationChanged(ctx)
}
