package groups

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/geoplatform/arcgis-relay/pkg/arcgis"
	"github.com/geoplatform/arcgis-relay/pkg/config"
	"github.com/geoplatform/arcgis-relay/pkg/observability"
)

// ErrAssignmentFailed means no group could be assigned because every
// portal call failed. Callers may retry.
var ErrAssignmentFailed = errors.New("group assignment failed")

const assignConcurrency = 4

// Result lists group titles by outcome
type Result struct {
	Added   []string
	Skipped []string
	Failed  []string
}

// Assigner adds portal users to the groups of their organizations
type Assigner struct {
	dir     arcgis.Directory
	orgs    *config.OrgHierarchy
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewAssigner creates an assigner. logger and metrics may be nil.
func NewAssigner(dir arcgis.Directory, orgs *config.OrgHierarchy, logger *observability.Logger, metrics *observability.Metrics) *Assigner {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Assigner{dir: dir, orgs: orgs, logger: logger, metrics: metrics}
}

// Assign maps each organization key to its group title and adds the user to
// that group. Unknown keys and groups missing from the portal are skipped
// with a warning; individual portal failures are logged. Only when every
// attempted group failed is ErrAssignmentFailed returned.
func (a *Assigner) Assign(ctx context.Context, user *arcgis.User, orgKeys []string) (Result, error) {
	var res Result
	if user == nil || user.Username == "" {
		return res, errors.New("assign groups: user has no username")
	}
	logger := a.logger.WithField("username", user.Username)

	seen := make(map[string]bool, len(orgKeys))
	var titles []string
	for _, key := range orgKeys {
		if seen[key] {
			continue
		}
		seen[key] = true
		title, ok := a.orgs.Title(key)
		if !ok {
			logger.WithField("org", key).Warn("No group title for organization, skipping")
			res.Skipped = append(res.Skipped, key)
			a.count("skipped")
			continue
		}
		titles = append(titles, title)
	}

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(assignConcurrency)
	for _, title := range titles {
		title := title
		eg.Go(func() error {
			outcome := a.assignOne(egCtx, logger, user.Username, title)
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case "added":
				res.Added = append(res.Added, title)
			case "skipped":
				res.Skipped = append(res.Skipped, title)
			default:
				res.Failed = append(res.Failed, title)
			}
			a.count(outcome)
			return nil
		})
	}
	_ = eg.Wait()

	if len(res.Failed) > 0 && len(res.Added) == 0 {
		return res, fmt.Errorf("%w: %d of %d groups failed for %s", ErrAssignmentFailed, len(res.Failed), len(titles), user.Username)
	}
	return res, nil
}

func (a *Assigner) assignOne(ctx context.Context, logger *observability.Logger, username, title string) string {
	logger = logger.WithField("group", title)

	group, err := a.dir.FindGroupByTitle(ctx, title)
	if errors.Is(err, arcgis.ErrNotFound) {
		logger.Warn("Group not found in portal, skipping")
		return "skipped"
	} else if err != nil {
		logger.WithError(err).Warn("Group lookup failed")
		return "failed"
	}

	if err := a.dir.AddUserToGroup(ctx, group.ID, username); err != nil {
		logger.WithError(err).Warn("Failed to add user to group")
		return "failed"
	}
	logger.Info("Added user to group")
	return "added"
}

func (a *Assigner) count(result string) {
	if a.metrics != nil {
		a.metrics.GroupAssignmentsTotal.WithLabelValues(result).Inc()
	}
}
