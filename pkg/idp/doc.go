// Package idp talks to the upstream OpenID Connect identity provider.
//
// A Bridge builds the authorization redirect, exchanges the returned code
// using a signed client assertion, fetches userinfo and normalizes it into an
// identity.UserInfo. Upstream failures surface as *UpstreamError values whose
// Error() text is safe to show in a browser.
package idp
