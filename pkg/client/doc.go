// Package client is the HTTP client the mpathd CLI uses to reach the
// administrative surface of a running daemon. Non-Ok replies come back as
// *StatusError carrying the daemon's status code.
package client
