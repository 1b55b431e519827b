// Package groups keeps ArcGIS group membership in line with the
// organization hierarchy.
//
// ResolveAncestors walks the hierarchy upward. An Assigner turns
// organization keys into group titles and adds a portal user to each group.
// Lifecycle handles webhook events for created, updated and deleted users,
// and DirectorySync caches the portal's group titles on a cron schedule.
package groups
