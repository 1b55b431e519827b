// Package arcgis is a small client for the ArcGIS Enterprise sharing REST API.
// It covers user lookup, group search, group membership and the application
// token those calls need.
package arcgis
