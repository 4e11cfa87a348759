package view

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/credentials"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/log"
)

// Registry keeps at most one mounted view per conversation.
type Registry struct {
	deps   Deps
	logger zerolog.Logger

	mu    sync.Mutex
	views map[string]*View
	sf    singleflight.Group
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "views").Logger(),
		views:  make(map[string]*View),
	}
}

// Mount returns the open view for conversationID, mounting it first when
// needed. Concurrent mounts of one conversation share the work. A view whose
// credential was replaced while it was mounting is closed instead of kept.
func (r *Registry) Mount(ctx context.Context, conversationID string) (*View, error) {
	if v, ok := r.Get(conversationID); ok {
		return v, nil
	}
	res, err, _ := r.sf.Do(conversationID, func() (interface{}, error) {
		if v, ok := r.Get(conversationID); ok {
			return v, nil
		}
		v, err := Mount(ctx, conversationID, r.deps)
		if err != nil {
			return nil, err
		}

		// Checked under mu: Follow scans under mu after the new token is
		// stored, so a change lands either here or in that scan.
		r.mu.Lock()
		current, err := r.deps.Tokens.Token(ctx)
		if err != nil || current != v.Credential() {
			r.mu.Unlock()
			v.Close()
			if err != nil {
				return nil, fmt.Errorf("read credential: %w", err)
			}
			r.logger.Info().Str(log.FieldConversationID, conversationID).Msg("credential changed while mounting")
			return nil, fmt.Errorf("credential changed while mounting: %w", domain.ErrUnauthorized)
		}
		r.views[conversationID] = v
		r.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*View), nil
}

// Get returns the open view for conversationID.
func (r *Registry) Get(conversationID string) (*View, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.views[conversationID]
	if ok && v.Closed() {
		delete(r.views, conversationID)
		return nil, false
	}
	return v, ok
}

// Unmount closes the view for conversationID. It reports whether one was
// open.
func (r *Registry) Unmount(conversationID string) bool {
	r.mu.Lock()
	v, ok := r.views[conversationID]
	delete(r.views, conversationID)
	r.mu.Unlock()
	if ok {
		v.Close()
	}
	return ok
}

// List returns the status of every open view.
func (r *Registry) List() []Status {
	r.mu.Lock()
	views := make([]*View, 0, len(r.views))
	for _, v := range r.views {
		views = append(views, v)
	}
	r.mu.Unlock()

	out := make([]Status, 0, len(views))
	for _, v := range views {
		if !v.Closed() {
			out = append(out, v.Status())
		}
	}
	return out
}

// CloseAll unmounts every view.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	views := r.views
	r.views = make(map[string]*View)
	r.mu.Unlock()
	for _, v := range views {
		v.Close()
	}
}

// Follow unmounts views whose credential no longer matches src. A view is
// bound to the credential it was mounted with; logout or a user switch
// closes it.
func (r *Registry) Follow(src credentials.Source) (cancel func()) {
	return src.Watch(func(c credentials.Change) {
		r.mu.Lock()
		var stale []*View
		for id, v := range r.views {
			if v.Credential() != c.Token {
				stale = append(stale, v)
				delete(r.views, id)
			}
		}
		r.mu.Unlock()
		for _, v := range stale {
			r.logger.Info().
				Str(log.FieldConversationID, v.ConversationID()).
				Bool("logged_out", c.Token == "").
				Msg("credential changed, closing view")
			v.Close()
		}
	})
}

