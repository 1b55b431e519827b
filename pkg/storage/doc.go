// Package storage is the Redis-backed credential store.
//
// Records are hashes keyed "{prefix}:{identifier}", matching the layout the
// relay has always written:
//
//	auth-code-to-access-token:{code}      access_token            1h, deleted on redeem
//	access-token-to-userinfo:{token}      userinfo (JSON)         1h
//	access_token:{token}                  raw IdP token response  1h
//	oidc-flow:{flow id}                   state, nonce            10m, deleted on use
//	user-auth-access:{email}              auth_access (JSON)      durable
//	username-to-email:{username}          user_email              durable
//	user-email-to-user-groups:{email}     user_groups (JSON)      durable, consumed once
//	user:{email}:selected_group           string                  1h
//	arcgis_groups                         {"Titles": [...]}       durable
//
// Single-use records are read and deleted inside one MULTI. Access records
// are updated with WATCH/MULTI and carry a version that increases on every
// write, so concurrent logins for the same email cannot clobber each other.
package storage
