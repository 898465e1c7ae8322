// Package authz derives permission sets from session state and filters the
// navigation tree against them.
//
// Permissions are namespaced "category:action" tags. Derivation is a pure
// function of (authenticated, user record): no I/O, no caching, cheap
// enough to re-run on every session change. The role table is static
// configuration; a backend that sends an explicit permission list on the
// user record overrides it.
package authz
