// Package session is the client's single source of truth for authentication state.
//
// State is derived, never stored: a session is Authenticated exactly when an
// access credential and a user profile are both present. Context exposes the
// only transitions (Login, Logout, Terminate, TerminateIf) and delivers them,
// in order, to subscribers such as the push channel gateway.
//
// The refresh credential is never visible here; it lives in the HTTP transport.
package session
