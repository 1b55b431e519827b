// Package server is the relay's HTTP surface: the upstream login flow, the
// group self-selection and denial pages, the downstream OAuth endpoints the
// portal calls, and webhook intake.
package server
