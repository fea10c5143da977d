package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/teris-io/shortid"
)

// ErrBridgeUnavailable means a publish was not accepted by the shared medium.
// The message, if any, is already durably stored by the time publish runs.
var ErrBridgeUnavailable = errors.New("bridge unavailable")

type EventKind string

const (
	EventSystem  EventKind = "system"
	EventMessage EventKind = "message"
	EventEdit    EventKind = "edit"
	EventDelete  EventKind = "delete"
)

// Event is the ephemeral envelope broadcast through the bridge. It is never
// persisted; delivery is best-effort to currently-registered connections
// only.
type Event struct {
	Kind   EventKind `json:"kind"`
	Room   string    `json:"room"`
	Origin string    `json:"origin,omitempty"`

	Id        string     `json:"id,omitempty"`
	User      *EventUser `json:"user,omitempty"`
	Payload   string     `json:"payload,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	MessageId string     `json:"message_id,omitempty"`
	Text      string     `json:"text,omitempty"`
}

// serverMessage converts a bridge envelope into the outbound wire shape
// delivered to room members.
func (ev *Event) serverMessage() *ServerMessage {
	msg := &ServerMessage{
		RoomId: ev.Room,
	}

	switch ev.Kind {
	case EventSystem:
		msg.Type = TypeSystem
		msg.Message = ev.Payload
	case EventMessage:
		msg.Type = TypeMessage
		msg.Id = ev.Id
		msg.User = ev.User
		msg.Payload = ev.Payload
		createdAt := ev.CreatedAt
		msg.CreatedAt = &createdAt
	case EventEdit:
		msg.Type = TypeEdit
		msg.MessageId = ev.MessageId
		msg.Text = ev.Text
	case EventDelete:
		msg.Type = TypeDelete
		msg.MessageId = ev.MessageId
	default:
		return nil
	}

	return msg
}

// Bridge decouples producing an event on one instance from delivering it to
// subscriber sockets held by any instance.
type Bridge interface {
	// Publish sends the event to the shared medium. It returns once the
	// medium accepts it, not once any subscriber received it.
	Publish(ctx context.Context, room string, event *Event) error
	// Run starts the subscriber loop, invoking deliver for every event
	// received on any room channel.
	Run(deliver func(*Event))
	Close() error
}

const roomChannelPrefix = "room:"

func channelForRoom(room string) string {
	return roomChannelPrefix + room
}

func roomForChannel(channel string) string {
	return strings.TrimPrefix(channel, roomChannelPrefix)
}

// RedisBridge is the Redis pub/sub implementation of Bridge. Every instance
// subscribes to the room channel pattern once at startup and publishes to the
// specific room's channel. Events published to the same room from the same
// instance reach the medium in publish order; there is no ordering guarantee
// across instances.
type RedisBridge struct {
	log    *log.Logger
	rdb    *redis.Client
	origin string
	pubsub *redis.PubSub
	done   chan struct{}
}

func NewRedisBridge(logger *log.Logger, rdb *redis.Client) (*RedisBridge, error) {
	origin, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate origin id: %w", err)
	}

	return &RedisBridge{
		log:    logger,
		rdb:    rdb,
		origin: origin,
		done:   make(chan struct{}),
	}, nil
}

func (b *RedisBridge) Publish(ctx context.Context, room string, event *Event) error {
	event.Room = room
	event.Origin = b.origin

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := b.rdb.Publish(ctx, channelForRoom(room), data).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBridgeUnavailable, err)
	}

	return nil
}

func (b *RedisBridge) Run(deliver func(*Event)) {
	b.pubsub = b.rdb.PSubscribe(context.Background(), channelForRoom("*"))

	go func() {
		defer close(b.done)

		for msg := range b.pubsub.Channel() {
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Printf("bridge: drop malformed event on %q: %v", msg.Channel, err)
				continue
			}

			if ev.Room == "" {
				ev.Room = roomForChannel(msg.Channel)
			}

			deliver(&ev)
		}
	}()
}

func (b *RedisBridge) Close() error {
	if b.pubsub == nil {
		return nil
	}

	err := b.pubsub.Close()
	<-b.done
	return err
}
