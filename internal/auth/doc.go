// Package auth authenticates minecloud API users.
//
// Users present an HS256 JWT signed with auth.jwt_secret, either as
// "Authorization: Bearer <token>" or as a token query parameter on the
// event stream. The token's sub claim is the user reference recorded as
// an instance's LaunchedBy and on presence sessions.
//
// Tokens are minted with `minecloud token <user>`.
//
// When no secret is configured the middleware lets every request through
// as AnonymousUser and logs a warning once at startup.
package auth
