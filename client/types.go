// Package client is the client-side mirror of the wavesock protocol: the
// connection with its reconnect loop, and per-channel join/leave state
// machines with outbound queueing.
package client

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// State is a channel's lifecycle phase. Closed is terminal.
type State string

const (
	// Idle means join has not been called yet.
	Idle State = "IDLE"

	// Joining means the join frame has been sent (or is pending on
	// reconnect) and no frame for the channel has come back yet.
	Joining State = "JOINING"

	// Joined means the server has started addressing this channel.
	Joined State = "JOINED"

	// Stalled means the connection dropped while the channel was joined
	// or joining; it rejoins automatically on reconnect.
	Stalled State = "STALLED"

	// Closed means the channel was left. A closed channel never rejoins.
	Closed State = "CLOSED"
)

// Config configures a Client.
type Config struct {
	// URL is the ws:// or wss:// endpoint address.
	URL string

	// Header is sent with the upgrade request.
	Header http.Header

	// InitialBackoff seeds the reconnect delay, which doubles per failed
	// attempt and resets on a successful open. Defaults to one second.
	InitialBackoff time.Duration

	// MaxBackoff caps the reconnect delay. Zero means uncapped.
	MaxBackoff time.Duration

	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = time.Second
	}
	return c
}
