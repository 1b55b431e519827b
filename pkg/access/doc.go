// Package access decides what happens to a user after the identity
// provider has authenticated them.
//
// The Engine evaluates its rules in a fixed order against the normalized
// user record and the stored access record:
//
//   - bypass emails and domains make a user privileged
//   - a disallowed record denies, unless a privileged user's previous
//     group still exists, in which case the flag is cleared
//   - an allowed record grants, except for privileged users who still
//     have to pick a group
//   - users outside the allowed organizations are denied
//   - privileged users without a selection are sent to the selection form
//   - everyone else gets a new allowed record and is granted
//
// Every write goes through the store's optimistic update so concurrent
// logins for one email cannot clobber each other.
package access
