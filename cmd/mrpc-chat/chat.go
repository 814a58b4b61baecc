package main

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/mrpc"
)

type UserInfo struct {
	ID       string    `json:"id"`
	Username string    `json:"username"`
	JoinedAt time.Time `json:"joinedAt"`
}

// ChatServer keeps the user list of the Chat controller and pushes chat
// events to every connected peer.
type ChatServer struct {
	chat   mrpc.Caller
	users  map[string]*UserInfo // by connection ID
	mu     sync.RWMutex
	logger *zap.Logger
}

func NewChatServer(logger *zap.Logger) *ChatServer {
	return &ChatServer{
		users:  make(map[string]*UserInfo),
		logger: logger,
	}
}

// Attach binds the chat to the server that serves its controller.
func (cs *ChatServer) Attach(server mrpc.Server) {
	cs.chat, _ = server.Controller("Chat")
}

// Controller describes the Chat controller. Every call gets a fresh handler
// bound to the calling connection.
//
//	Send(text)       broadcasts Receive(from, text) to every member
//	SetName(name)    renames the caller and broadcasts Renamed(user)
//	Members()        returns the number of members
//	Users()          returns the member list
func (cs *ChatServer) Controller() mrpc.Controller {
	str := reflect.TypeOf("")
	return mrpc.Controller{
		Name: "Chat",
		New: func(ctx context.Context, call mrpc.CallContext) (any, error) {
			return &chatHandler{cs: cs, call: call}, nil
		},
		Actions: []mrpc.Action{
			{
				Name:   "Send",
				Params: []mrpc.Param{mrpc.Required("text", str)},
				Void:   true,
				Invoke: func(ctx context.Context, h any, args []any) (any, error) {
					h.(*chatHandler).Send(ctx, args[0].(string))
					return nil, nil
				},
			},
			{
				Name:   "SetName",
				Params: []mrpc.Param{mrpc.Required("name", str)},
				Void:   true,
				Invoke: func(ctx context.Context, h any, args []any) (any, error) {
					h.(*chatHandler).SetName(ctx, args[0].(string))
					return nil, nil
				},
			},
			{
				Name: "Members",
				Invoke: func(ctx context.Context, h any, args []any) (any, error) {
					return h.(*chatHandler).Members(), nil
				},
			},
			{
				Name: "Users",
				Invoke: func(ctx context.Context, h any, args []any) (any, error) {
					return h.(*chatHandler).Users(), nil
				},
			},
		},
	}
}

func (cs *ChatServer) OnConnect(conn mrpc.Connection, controllers []string) {
	id := conn.Identity()
	name := id.Name
	if name == "" {
		name = guestName(conn.ID())
	}
	user := &UserInfo{ID: conn.ID(), Username: name, JoinedAt: time.Now()}

	cs.mu.Lock()
	cs.users[conn.ID()] = user
	cs.mu.Unlock()

	cs.logger.Info("user joined", zap.String("connection_id", conn.ID()), zap.String("username", name))
	cs.broadcast(context.Background(), "Joined", *user)
}

func (cs *ChatServer) OnDisconnect(conn mrpc.Connection) {
	cs.mu.Lock()
	user := cs.users[conn.ID()]
	delete(cs.users, conn.ID())
	cs.mu.Unlock()

	if user == nil {
		return
	}
	cs.logger.Info("user left", zap.String("connection_id", conn.ID()), zap.String("username", user.Username))
	cs.broadcast(context.Background(), "Left", *user)
}

func (cs *ChatServer) username(connID string) string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if user, ok := cs.users[connID]; ok {
		return user.Username
	}
	return "unknown"
}

func (cs *ChatServer) broadcast(ctx context.Context, action string, args ...any) {
	if cs.chat == nil {
		return
	}
	result := cs.chat.Broadcast(ctx, action, args...)
	if failed := result.Failed(); failed > 0 {
		cs.logger.Warn("broadcast partially failed",
			zap.String("action", action),
			zap.Int("failed", failed),
			zap.Int("recipients", len(result)),
			zap.Error(result.Err()),
		)
	}
}

type chatHandler struct {
	cs   *ChatServer
	call mrpc.CallContext
}

func (h *chatHandler) Send(ctx context.Context, text string) {
	from := h.cs.username(h.call.Connection.ID())
	h.cs.logger.Debug("message", zap.String("from", from), zap.Int("length", len(text)))
	h.cs.broadcast(ctx, "Receive", from, text)
}

func (h *chatHandler) SetName(ctx context.Context, name string) {
	h.cs.mu.Lock()
	user, ok := h.cs.users[h.call.Connection.ID()]
	if !ok {
		h.cs.mu.Unlock()
		return
	}
	user.Username = name
	renamed := *user
	h.cs.mu.Unlock()

	h.cs.broadcast(ctx, "Renamed", renamed)
}

// Members counts the connections registered with the Chat controller.
func (h *chatHandler) Members() int {
	if h.cs.chat == nil {
		return 0
	}
	return len(h.cs.chat.Connections())
}

func (h *chatHandler) Users() []UserInfo {
	h.cs.mu.RLock()
	users := make([]UserInfo, 0, len(h.cs.users))
	for _, user := range h.cs.users {
		users = append(users, *user)
	}
	h.cs.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool { return users[i].JoinedAt.Before(users[j].JoinedAt) })
	return users
}

// guestName derives a display name from at most the first 8 bytes of id.
func guestName(id string) string {
	if len(id) > 8 {
		id = id[:8]
	}
	return "Guest_" + id
}
