// Package download fetches release payloads over HTTP with bounded retry.
//
// Statuses 502, 503 and 504 are transient and retried with exponential
// backoff; any other non-success status is permanent and surfaced at once as
// a *StatusError carrying the code, so a 404 can be told apart from the rest.
package download
