// Package connectivity tracks whether the client should talk to the server.
// The state is a single persisted flag with observers notified on every
// transition.
package connectivity

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/marcus/fieldsync/internal/store"
)

// State is the process-wide online/offline flag. Create one per session and
// inject it where routing decisions are made.
type State struct {
	store store.Store

	mu        sync.Mutex
	online    bool
	observers []*observer
}

type observer struct {
	fn func(online bool)
}

// New returns an online State backed by s without reading persisted state.
func New(s store.Store) *State {
	return &State{store: s, online: true}
}

// Load returns a State rehydrated from s. A missing value means online. A
// corrupt value is logged and treated as online. A read failure is returned
// alongside a usable online State.
func Load(ctx context.Context, s store.Store) (*State, error) {
	st := New(s)
	raw, ok, err := s.Get(ctx, store.KeyConnectivityState)
	if err != nil {
		return st, err
	}
	if !ok {
		return st, nil
	}
	online, err := strconv.ParseBool(raw)
	if err != nil {
		slog.Warn("resetting connectivity state", "err", &store.CorruptError{Key: store.KeyConnectivityState, Err: err})
		return st, nil
	}
	st.online = online
	return st, nil
}

// IsOnline reports the current state.
func (s *State) IsOnline() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetOnline changes the state and persists it. Observers are notified when
// the value actually changes, after the lock is released, in registration
// order. A persist failure is returned but the change still applies.
func (s *State) SetOnline(ctx context.Context, online bool) error {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	var notify []*observer
	if changed {
		notify = append(notify, s.observers...)
	}
	s.mu.Unlock()

	var err error
	if s.store != nil {
		err = s.store.Set(ctx, store.KeyConnectivityState, strconv.FormatBool(online))
		if err != nil {
			slog.Warn("persist connectivity state", "err", err)
		}
	}
	if changed {
		slog.Info("connectivity changed", "online", online)
		for _, o := range notify {
			o.fn(online)
		}
	}
	return err
}

// OnChange registers fn to run on every transition. The returned func
// removes the registration.
func (s *State) OnChange(fn func(online bool)) (unsubscribe func()) {
	o := &observer{fn: fn}
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, cur := range s.observers {
				if cur == o {
					s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
					return
				}
			}
		})
	}
}
