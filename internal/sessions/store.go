// Package sessions persists conversation threads. Delegation inboxes and
// operator notices are ordinary sessions addressed by key.
package sessions

import (
	"context"
	"errors"

	"github.com/msimon42/openclaw-sub000/pkg/models"
)

// ErrNotFound is returned when a session or message lookup misses.
var ErrNotFound = errors.New("session not found")

// Store is the interface for session persistence.
type Store interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	GetByKey(ctx context.Context, key string) (*models.Session, error)
	GetOrCreate(ctx context.Context, key, agentID string) (*models.Session, error)
	Update(ctx context.Context, session *models.Session) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, agentID string, opts ListOptions) ([]*models.Session, error)

	AppendMessage(ctx context.Context, sessionID string, msg *models.Message) error
	History(ctx context.Context, sessionID string, limit int) ([]*models.Message, error)

	Close() error
}

// ListOptions configures session listing.
type ListOptions struct {
	Limit  int
	Offset int
}

// InboxKey names the delegation inbox session for an agent.
func InboxKey(agentID string) string {
	return "agent:" + agentID + ":inbox"
}

// LatestAssistant returns the most recent assistant message in a session, or
// nil when there is none.
func LatestAssistant(ctx context.Context, store Store, sessionID string) (*models.Message, error) {
	history, err := store.History(ctx, sessionID, 0)
	if err != nil {
		return nil, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == models.RoleAssistant {
			return history[i], nil
		}
	}
	return nil, nil
}
