package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"roomchat/internal/auth"
	"roomchat/internal/database"
	"roomchat/internal/stats"
	"roomchat/internal/types"
)

// ErrForbidden is returned when the acting identity does not own the message
// it is trying to mutate. It never tears down the connection.
var ErrForbidden = errors.New("forbidden")

// ChatServer orchestrates the per-connection event flow: authentication has
// already happened by the time a client is registered; joins update the
// registry and return history; messages are persisted and only then
// published through the bridge.
type ChatServer struct {
	log         *log.Logger
	db          database.Repository
	bridge      Bridge
	registry    *Registry
	stats       stats.StatsProvider
	clients     map[*Client]struct{}
	clientsLock sync.Mutex
}

func NewChatServer(logger *log.Logger, db database.Repository, bridge Bridge, sp stats.StatsProvider) (*ChatServer, error) {
	for _, metric := range []string{
		stats.NumConnections,
		stats.NumActiveRooms,
		stats.NumMessagesPublished,
		stats.NumEventsDelivered,
		stats.NumEventsDropped,
	} {
		sp.RegisterMetric(metric)
	}

	return &ChatServer{
		log:      logger,
		db:       db,
		bridge:   bridge,
		registry: NewRegistry(sp),
		stats:    sp,
		clients:  make(map[*Client]struct{}),
	}, nil
}

// Run starts the bridge subscriber loop delivering events to local room
// members.
func (cs *ChatServer) Run() {
	cs.bridge.Run(cs.deliver)
}

func (cs *ChatServer) RegisterClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	cs.stats.Incr(stats.NumConnections)
}

// removeClient erases all server state for a closed connection. Called
// exactly once per connection from the client's cleanup.
func (cs *ChatServer) removeClient(c *Client) {
	cs.registry.Remove(c)

	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; ok {
		delete(cs.clients, c)
		cs.stats.Decr(stats.NumConnections)
	}
}

// deliver fans a bridge event out to the locally-registered members of its
// room. Connections that are not open are skipped silently; that is expected
// under concurrent disconnect.
func (cs *ChatServer) deliver(ev *Event) {
	msg := ev.serverMessage()
	if msg == nil {
		cs.log.Printf("dropping event with unknown kind %q", ev.Kind)
		return
	}

	for _, c := range cs.registry.MembersOf(ev.Room) {
		if !c.isOpen() {
			continue
		}

		if c.queueMessage(msg) {
			cs.stats.Incr(stats.NumEventsDelivered)
		} else {
			cs.stats.Incr(stats.NumEventsDropped)
		}
	}
}

func (cs *ChatServer) handleJoin(ctx context.Context, c *Client, msg *ClientMessage) {
	if msg.RoomId == "" {
		c.log.Println("dropping join with empty room id")
		return
	}

	// idempotent: rejoining the current room issues no duplicate history
	if !cs.registry.Join(c, msg.RoomId) {
		return
	}

	c.queueMessage(SystemMessage(fmt.Sprintf("joined room %s", msg.RoomId)))

	// history is point-to-point, never broadcast: a connection that was not
	// a member at publish time never sees bridge replay
	messages, nextCursor, err := cs.db.ListMessages(msg.RoomId, time.Time{}, 0)
	if err != nil {
		cs.log.Printf("list messages for %q: %v", msg.RoomId, err)
		c.queueMessage(ErrInternalError())
	} else {
		c.queueMessage(HistoryMessage(types.MessagePage{
			Messages:   toWireMessages(messages),
			NextCursor: nextCursor,
		}))
	}

	announce := &Event{
		Kind:    EventSystem,
		Payload: fmt.Sprintf("%s joined the room", c.identity.Username),
	}
	if err := cs.bridge.Publish(ctx, msg.RoomId, announce); err != nil {
		cs.log.Printf("announce join to %q: %v", msg.RoomId, err)
	}
}

func (cs *ChatServer) handleLeave(c *Client) {
	if room := cs.registry.Leave(c); room != "" {
		c.queueMessage(SystemMessage(fmt.Sprintf("left room %s", room)))
	}
}

// handleMessage runs the two-phase write path: validate, persist, then
// publish. Publishing before the create completes would let a racing edit or
// delete reference a message that does not durably exist yet.
func (cs *ChatServer) handleMessage(ctx context.Context, c *Client, msg *ClientMessage) {
	room, ok := cs.registry.RoomOf(c)
	if !ok {
		c.queueMessage(ErrValidationFailed("join a room first"))
		return
	}

	userId := c.identity.UserId
	stored, err := cs.db.CreateMessage(database.CreateMessageParams{
		RoomId:  room,
		UserId:  &userId,
		Content: msg.Payload,
	})
	if err != nil {
		if errors.Is(err, database.ErrValidation) {
			// reported to the sender only, no broadcast
			c.queueMessage(ErrValidationFailed(err.Error()))
			return
		}
		cs.log.Printf("create message in %q: %v", room, err)
		c.queueMessage(ErrInternalError())
		return
	}

	ev := messageEvent(stored, c.identity)
	if err := cs.bridge.Publish(ctx, room, ev); err != nil {
		// partial failure: stored but not live-broadcast, recoverable via
		// the next page fetch
		cs.log.Printf("publish message %s to %q: %v", stored.Id, room, err)
		c.queueMessage(ErrDeliveryDelayed())
		return
	}

	cs.stats.Incr(stats.NumMessagesPublished)
}

func (cs *ChatServer) handleEdit(ctx context.Context, c *Client, msg *ClientMessage) {
	_, err := cs.EditMessage(ctx, c.identity, msg.MessageId, msg.Text)
	if err != nil {
		c.queueMessage(mutationError(err))
	}
}

func (cs *ChatServer) handleDelete(ctx context.Context, c *Client, msg *ClientMessage) {
	_, err := cs.DeleteMessage(ctx, c.identity, msg.MessageId)
	if err != nil {
		c.queueMessage(mutationError(err))
	}
}

// EditMessage applies an ownership-checked edit and broadcasts it to the
// message's stored room, which is not necessarily the actor's current room.
// Shared by the socket path and the REST surface so both stay visible live.
func (cs *ChatServer) EditMessage(ctx context.Context, actor auth.Identity, messageId, text string) (types.Message, error) {
	stored, err := cs.db.GetMessage(messageId)
	if err != nil {
		return types.Message{}, err
	}

	if !stored.UserId.Valid || int(stored.UserId.Int64) != actor.UserId {
		return types.Message{}, ErrForbidden
	}

	updated, err := cs.db.UpdateMessage(messageId, text)
	if err != nil {
		return types.Message{}, err
	}

	ev := &Event{
		Kind:      EventEdit,
		MessageId: updated.Id,
		Text:      updated.Content,
	}
	if err := cs.bridge.Publish(ctx, updated.RoomId, ev); err != nil {
		cs.log.Printf("publish edit of %s to %q: %v", updated.Id, updated.RoomId, err)
		return toWireMessage(updated), err
	}

	return toWireMessage(updated), nil
}

// DeleteMessage soft-deletes an owned message and broadcasts the deletion to
// the message's stored room. The row keeps its id and ordering position so
// pagination cursors stay stable.
func (cs *ChatServer) DeleteMessage(ctx context.Context, actor auth.Identity, messageId string) (types.Message, error) {
	stored, err := cs.db.GetMessage(messageId)
	if err != nil {
		return types.Message{}, err
	}

	if !stored.UserId.Valid || int(stored.UserId.Int64) != actor.UserId {
		return types.Message{}, ErrForbidden
	}

	deleted, err := cs.db.SoftDeleteMessage(messageId)
	if err != nil {
		return types.Message{}, err
	}

	ev := &Event{
		Kind:      EventDelete,
		MessageId: deleted.Id,
	}
	if err := cs.bridge.Publish(ctx, deleted.RoomId, ev); err != nil {
		cs.log.Printf("publish delete of %s to %q: %v", deleted.Id, deleted.RoomId, err)
		return toWireMessage(deleted), err
	}

	return toWireMessage(deleted), nil
}

// History returns one page of a room's messages, oldest first.
func (cs *ChatServer) History(roomId string, before time.Time, limit int) (types.MessagePage, error) {
	messages, nextCursor, err := cs.db.ListMessages(roomId, before, limit)
	if err != nil {
		return types.MessagePage{}, err
	}

	return types.MessagePage{
		Messages:   toWireMessages(messages),
		NextCursor: nextCursor,
	}, nil
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	cs.log.Println("closing bridge subscriber")
	if err := cs.bridge.Close(); err != nil {
		cs.log.Println("bridge close:", err)
	}

	cs.clientsLock.Lock()
	for c := range cs.clients {
		c.stopClient()
	}
	cs.clientsLock.Unlock()

	return ctx.Err()
}

func mutationError(err error) *ServerMessage {
	switch {
	case errors.Is(err, database.ErrNotFound):
		return ErrMessageNotFound()
	case errors.Is(err, ErrForbidden):
		return ErrForbiddenMessage()
	case errors.Is(err, database.ErrValidation):
		return ErrValidationFailed(err.Error())
	case errors.Is(err, ErrBridgeUnavailable):
		return ErrDeliveryDelayed()
	default:
		return ErrInternalError()
	}
}

func messageEvent(m database.Message, identity auth.Identity) *Event {
	userId := identity.UserId
	return &Event{
		Kind: EventMessage,
		Id:   m.Id,
		User: &EventUser{
			UserId: &userId,
			Name:   identity.Username,
		},
		Payload:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

func toWireMessage(m database.Message) types.Message {
	var userId *int
	if m.UserId.Valid {
		id := int(m.UserId.Int64)
		userId = &id
	}

	return types.Message{
		Id:        m.Id,
		RoomId:    m.RoomId,
		UserId:    userId,
		Username:  m.Username,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
		Deleted:   m.Deleted,
	}
}

func toWireMessages(messages []database.Message) []types.Message {
	out := make([]types.Message, len(messages))
	for i, m := range messages {
		out[i] = toWireMessage(m)
	}
	return out
}
