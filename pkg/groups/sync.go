package groups

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/geoplatform/arcgis-relay/pkg/arcgis"
	"github.com/geoplatform/arcgis-relay/pkg/observability"
	"github.com/geoplatform/arcgis-relay/pkg/storage"
)

// DirectorySync refreshes the cached list of portal group titles
type DirectorySync struct {
	dir     arcgis.Directory
	store   storage.DirectoryStore
	query   string
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewDirectorySync creates a sync job for groups matching query
func NewDirectorySync(dir arcgis.Directory, store storage.DirectoryStore, query string, logger *observability.Logger, metrics *observability.Metrics) *DirectorySync {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &DirectorySync{
		dir:     dir,
		store:   store,
		query:   query,
		logger:  logger.WithField("component", "directory_sync"),
		metrics: metrics,
	}
}

// Run fetches all group titles and replaces the cached directory. The
// cache is left untouched when the portal call fails.
func (s *DirectorySync) Run(ctx context.Context) (int, error) {
	ctx, span := observability.Tracer().Start(ctx, "groups.directory_sync")
	defer span.End()

	titles, err := s.dir.ListGroupTitles(ctx, s.query)
	if err != nil {
		s.record("error")
		return 0, err
	}
	if err := s.store.PutGroupDirectory(ctx, titles); err != nil {
		s.record("error")
		return 0, err
	}

	s.record("success")
	if s.metrics != nil {
		s.metrics.DirectoryGroupsTracked.Set(float64(len(titles)))
	}
	s.logger.WithField("groups", len(titles)).Info("Group directory refreshed")
	return len(titles), nil
}

func (s *DirectorySync) record(result string) {
	if s.metrics != nil {
		s.metrics.DirectorySyncTotal.WithLabelValues(result).Inc()
	}
}

// Schedule registers the sync on c with a cron spec such as "@every 1h".
// Each run gets timeout to finish.
func (s *DirectorySync) Schedule(ctx context.Context, c *cron.Cron, spec string, timeout time.Duration) (cron.EntryID, error) {
	return c.AddFunc(spec, func() {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if _, err := s.Run(runCtx); err != nil {
			s.logger.WithError(err).Error("Scheduled group directory sync failed")
		}
	})
}
