// Package auth provides bearer-token authentication and role-based
// authorisation for the Fleet Core API.
//
// Operators authenticate with HS256-signed JWT access tokens minted by
// "fleetcore token". Tokens carry a role; each role maps to a static set of
// permissions (compile-time, no database lookup):
//   - viewer: read inventory, tasks and areas
//   - operator: viewer plus submitting device tasks
//   - admin: operator plus inventory changes and firmware deployment
package auth
