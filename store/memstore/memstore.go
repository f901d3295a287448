// Package memstore implements the store in process memory. It backs tests
// and local development where a MongoDB instance is not worth the trouble.
package memstore

import (
	"context"
	"sync"

	"github.com/alphadose/haxmap"

	"github.com/shilvister/loom/messages"
	"github.com/shilvister/loom/store"
)

type conversation struct {
	mu    sync.Mutex
	turns []messages.Turn
	meta  store.MetadataPatch
	alias string
}

type Store struct {
	mu            sync.Mutex
	users         *haxmap.Map[string, *store.User]
	conversations *haxmap.Map[string, *conversation]
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:         haxmap.New[string, *store.User](),
		conversations: haxmap.New[string, *conversation](),
	}
}

// PutUser seeds an account. Meant for tests and local bootstrap.
func (s *Store) PutUser(u store.User) {
	copied := u
	s.users.Set(u.ID, &copied)
}

func (s *Store) GetUser(_ context.Context, id string) (*store.User, error) {
	u, ok := s.users.Get(id)
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *u
	return &copied, nil
}

func convKey(userID, conversationID string) string {
	return userID + "/" + conversationID
}

func (s *Store) ConversationWindow(_ context.Context, userID, conversationID string, n int) ([]messages.Turn, error) {
	conv, ok := s.conversations.Get(convKey(userID, conversationID))
	if !ok {
		return nil, nil
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()

	start := len(conv.turns) - n
	if start < 0 {
		start = 0
	}
	window := make([]messages.Turn, len(conv.turns)-start)
	copy(window, conv.turns[start:])
	return window, nil
}

func (s *Store) AppendTurns(_ context.Context, userID, conversationID string, user, assistant messages.Turn, meta store.MetadataPatch) error {
	conv, _ := s.conversations.GetOrSet(convKey(userID, conversationID), &conversation{})
	conv.mu.Lock()
	defer conv.mu.Unlock()

	conv.turns = append(conv.turns, user, assistant)
	conv.meta = meta
	return nil
}

func (s *Store) IncrementBilling(_ context.Context, userID string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users.Get(userID)
	if !ok {
		return store.ErrNotFound
	}
	u.Billing += amount
	return nil
}

func (s *Store) DecrementTrial(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users.Get(userID)
	if !ok {
		return store.ErrNotFound
	}
	u.TrialRemaining--
	return nil
}

func (s *Store) SaveAlias(_ context.Context, userID, conversationID, alias string) error {
	conv, _ := s.conversations.GetOrSet(convKey(userID, conversationID), &conversation{})
	conv.mu.Lock()
	defer conv.mu.Unlock()

	conv.alias = alias
	return nil
}

// Alias returns the stored alias for a conversation. Test helper.
func (s *Store) Alias(userID, conversationID string) string {
	conv, ok := s.conversations.Get(convKey(userID, conversationID))
	if !ok {
		return ""
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.alias
}

// Metadata returns the last metadata patch written to a conversation. Test
// helper.
func (s *Store) Metadata(userID, conversationID string) store.MetadataPatch {
	conv, ok := s.conversations.Get(convKey(userID, conversationID))
	if !ok {
		return store.MetadataPatch{}
	}
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return conv.meta
}

func (s *Store) Close(context.Context) error { return nil }
