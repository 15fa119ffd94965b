package sessions

import (
	"context"

	"github.com/msimon42/openclaw-sub000/pkg/models"
)

// Notifier posts system notices into sessions addressed by key, creating the
// session on first use. It satisfies the tool guard's notifier interface.
type Notifier struct {
	store Store
}

func NewNotifier(store Store) *Notifier {
	return &Notifier{store: store}
}

// Notify appends a system message to the session named by key.
func (n *Notifier) Notify(ctx context.Context, sessionKey, message string) error {
	session, err := n.store.GetOrCreate(ctx, sessionKey, "")
	if err != nil {
		return err
	}
	return n.store.AppendMessage(ctx, session.ID, &models.Message{
		Role:    models.RoleSystem,
		Content: message,
	})
}
