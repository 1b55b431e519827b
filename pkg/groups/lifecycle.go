package groups

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/geoplatform/arcgis-relay/pkg/arcgis"
	"github.com/geoplatform/arcgis-relay/pkg/config"
	"github.com/geoplatform/arcgis-relay/pkg/observability"
	"github.com/geoplatform/arcgis-relay/pkg/storage"
	"github.com/geoplatform/arcgis-relay/pkg/webhooks"
)

// Store is the persistence the lifecycle handlers need
type Store interface {
	storage.DirectoryStore
	DeleteAccess(ctx context.Context, email string) error
}

// Lifecycle applies portal user events to group membership and the
// relay's directory records.
type Lifecycle struct {
	dir      arcgis.Directory
	store    Store
	assigner *Assigner
	orgs     *config.OrgHierarchy
	logger   *observability.Logger
}

// NewLifecycle wires the event handlers. logger may be nil.
func NewLifecycle(dir arcgis.Directory, store Store, assigner *Assigner, orgs *config.OrgHierarchy, logger *observability.Logger) *Lifecycle {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Lifecycle{dir: dir, store: store, assigner: assigner, orgs: orgs, logger: logger}
}

// Process dispatches one webhook event. Events that are not about users,
// and unknown operations, are ignored.
func (l *Lifecycle) Process(ctx context.Context, event webhooks.Event) error {
	logger := l.logger.WithFields(map[string]interface{}{
		"operation": event.Operation,
		"source":    event.Source,
	})
	if !event.IsUserEvent() {
		logger.Debug("Ignoring non-user webhook event")
		return nil
	}

	username := event.Subject()
	if username == "" {
		logger.Warn("Webhook event has no username, ignoring")
		return nil
	}

	switch event.Operation {
	case webhooks.OperationAdd:
		return l.UserCreated(ctx, username)
	case webhooks.OperationUpdate:
		return l.UserUpdated(ctx, username)
	case webhooks.OperationDelete:
		return l.UserDeleted(ctx, username)
	default:
		logger.Debug("Ignoring webhook operation")
		return nil
	}
}

// UserCreated records the username mapping and assigns the new user to the
// self-selected group and its ancestors, or to the default groups. The
// selection is cleared only after assignment succeeds so a retried event
// still sees it.
func (l *Lifecycle) UserCreated(ctx context.Context, username string) error {
	user, ok, err := l.lookup(ctx, username)
	if err != nil || !ok {
		return err
	}
	if err := l.store.PutUsernameEmail(ctx, username, user.Email); err != nil {
		return err
	}

	keys, selected, err := l.groupsFor(ctx, user.Email)
	if err != nil {
		return err
	}
	logger := l.logger.WithFields(map[string]interface{}{"username": username, "email": user.Email})
	if len(keys) == 0 {
		logger.Warn("No groups resolved for new user")
		return nil
	}

	res, err := l.assigner.Assign(ctx, user, keys)
	if err != nil {
		return err
	}
	logger.WithFields(map[string]interface{}{
		"added":   res.Added,
		"skipped": res.Skipped,
		"failed":  res.Failed,
	}).Info("Assigned new user to groups")

	if selected {
		if err := l.store.ClearSelectedGroups(ctx, user.Email); err != nil {
			logger.WithError(err).Warn("Failed to clear applied group selection")
		}
	}
	return nil
}

// UserUpdated refreshes the username mapping only
func (l *Lifecycle) UserUpdated(ctx context.Context, username string) error {
	user, ok, err := l.lookup(ctx, username)
	if err != nil || !ok {
		return err
	}
	return l.store.PutUsernameEmail(ctx, username, user.Email)
}

// UserDeleted purges the username mapping, the access record and any
// selection. A username the relay never saw is a no-op.
func (l *Lifecycle) UserDeleted(ctx context.Context, username string) error {
	logger := l.logger.WithField("username", username)

	email, err := l.store.GetEmailForUsername(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Info("No email recorded for deleted user, nothing to clean up")
		return nil
	} else if err != nil {
		return err
	}

	err = errors.Join(
		l.store.DeleteUsername(ctx, username),
		l.store.DeleteAccess(ctx, email),
		l.store.DeleteSelectedGroups(ctx, email),
	)
	if err != nil {
		return fmt.Errorf("clean up deleted user %s: %w", username, err)
	}
	logger.WithField("email", email).Info("Removed records for deleted user")
	return nil
}

// lookup fetches a portal user. ok is false for users that no longer exist
// or carry no email, which are not worth retrying.
func (l *Lifecycle) lookup(ctx context.Context, username string) (*arcgis.User, bool, error) {
	user, err := l.dir.GetUser(ctx, username)
	if errors.Is(err, arcgis.ErrNotFound) {
		l.logger.WithField("username", username).Warn("Portal user not found")
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("look up portal user %s: %w", username, err)
	}
	if user.Email == "" {
		l.logger.WithField("username", username).Warn("Portal user has no email")
		return nil, false, nil
	}
	return user, true, nil
}

// groupsFor returns the organization keys a new user joins. A valid
// self-selection wins; otherwise the email domain's organization is used.
// Either way ancestors are included and, when the directory is known, keys
// whose title is not in it are dropped. selected reports whether a stored
// selection was found, valid or not.
func (l *Lifecycle) groupsFor(ctx context.Context, email string) (keys []string, selected bool, err error) {
	directory, err := l.store.GetGroupDirectory(ctx)
	if err != nil {
		return nil, false, err
	}
	known := make(map[string]bool, len(directory))
	for _, title := range directory {
		known[strings.ToLower(title)] = true
	}
	inDirectory := func(key string) bool {
		if len(known) == 0 {
			return true
		}
		title, ok := l.orgs.Title(key)
		return ok && known[strings.ToLower(title)]
	}
	filter := func(keys []string) []string {
		out := keys[:0]
		for _, k := range keys {
			if inDirectory(k) {
				out = append(out, k)
			}
		}
		return out
	}

	selection, err := l.store.GetSelectedGroups(ctx, email)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, false, err
	}
	selected = err == nil
	if len(selection) > 0 {
		group := selection[len(selection)-1]
		if l.orgs.IsOrg(group) && inDirectory(group) {
			return filter(WithAncestors(l.orgs, group)), true, nil
		}
		l.logger.WithFields(map[string]interface{}{"email": email, "group": group}).
			Warn("Selected group is not in the directory, using default groups")
	}

	org, ok := l.orgs.OrgForEmail(email)
	if !ok {
		return nil, selected, nil
	}
	return filter(WithAncestors(l.orgs, org)), selected, nil
}
