package bancho

import "time"

// Event is one of the typed payloads below, delivered on the client's single
// event channel so consumers see wire events in arrival order.
type Event any

// ConnectedEvent fires when the TCP session is established (pre-registration).
type ConnectedEvent struct{}

// DisconnectedEvent fires when an established session ends for any reason.
// The client schedules its own reconnect; consumers only observe the gap.
type DisconnectedEvent struct{}

// ChannelMessage is a PRIVMSG addressed to a channel.
type ChannelMessage struct {
	Channel string
	Nick    string
	Text    string
	At      time.Time
}

// PrivateMessage is a PRIVMSG addressed to us directly.
type PrivateMessage struct {
	Nick string
	Text string
	At   time.Time
}

// WhoisReply carries the profile URL Bancho embeds in RPL_WHOISUSER (311).
type WhoisReply struct {
	Nick       string
	ProfileURL string
}
