// Package pvaccess holds the transport-agnostic contract between the
// gateway core, the local database provider, and the downstream server:
// connection states, subscription requests, and the requester capability
// sets both sides call back into.
package pvaccess

import (
	"github.com/ctrlsys/pvgate/internal/pvdata"
)

// ConnState is the lifecycle of an upstream channel.
type ConnState int

const (
	StateInit ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateDestroyed
)

var connStateNames = [...]string{
	StateInit:         "INIT",
	StateConnecting:   "CONNECTING",
	StateConnected:    "CONNECTED",
	StateDisconnected: "DISCONNECTED",
	StateDestroyed:    "DESTROYED",
}

func (s ConnState) String() string {
	if s < 0 || int(s) >= len(connStateNames) {
		return "UNKNOWN"
	}
	return connStateNames[s]
}

// ChannelRequester receives channel lifecycle callbacks. Providers invoke
// it with no provider lock held, so an implementation may call back into
// the channel (for example to create monitors).
type ChannelRequester interface {
	ChannelStateChange(state ConnState)
}

// MonitorRequester receives subscription data from a provider.
type MonitorRequester interface {
	// MonitorConnect delivers the type descriptor and the current value
	// once the subscription is established (and again after a type change).
	MonitorConnect(t *pvdata.Type, initial *pvdata.Value)
	// MonitorEvent delivers one update. delta carries at least the fields
	// named by changed; overrun marks fields that changed more than once.
	MonitorEvent(delta *pvdata.Value, changed, overrun *pvdata.BitSet)
	// Unlisten is terminal; no callback follows it.
	Unlisten()
}

// UserRequester is the downstream side of one subscription: the gateway
// calls these with no core lock held.
type UserRequester interface {
	// MonitorWake signals that the subscription queue became non-empty.
	MonitorWake()
	// MonitorStateChange reports upstream connectivity transitions.
	MonitorStateChange(state ConnState)
	// Unlisten is terminal for the subscription.
	Unlisten()
}

// Provider is the upstream-facing surface the gateway core consumes; the
// local database provider implements it.
type Provider interface {
	// ChannelFind reports whether the provider can serve the name.
	ChannelFind(name string) bool
	// CreateChannel opens a channel toward the name. The returned channel
	// may still be connecting; state is reported through the requester.
	CreateChannel(name string, requester ChannelRequester) (Channel, error)
}

// Channel is an open upstream channel.
type Channel interface {
	Name() string
	Connected() bool
	// CreateMonitor establishes a subscription with the normalized request.
	// MonitorConnect fires on the requester once the type is known.
	CreateMonitor(sig Signature, requester MonitorRequester) (Monitor, error)
	Destroy()
}

// Monitor is an established upstream subscription handle.
type Monitor interface {
	Destroy()
}
