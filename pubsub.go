// The cross-process replication boundary. A PubSub backend carries channel
// broadcasts between gateway processes that each hold a disjoint subset of
// the connections for the same logical channel name.
package wavesock

import (
	"context"
	"strings"
)

// MessageTypeBroadcast is the only recognized replication message type.
const MessageTypeBroadcast = "broadcast"

// PubSubMessage is the replication envelope published per broadcast. Node
// identifies the originating process so it can skip its own messages.
type PubSubMessage struct {
	Type        string   `json:"type"`
	Endpoint    string   `json:"endpointName"`
	ChannelName string   `json:"channelName"`
	Node        string   `json:"node,omitempty"`
	Sender      string   `json:"sender,omitempty"`
	Mode        string   `json:"mode,omitempty"`
	Recipients  []string `json:"recipients,omitempty"`
	Frame       Frame    `json:"frame"`
}

// Valid reports whether the message has a recognized type and both name
// fields. Backends drop invalid messages silently.
func (m *PubSubMessage) Valid() bool {
	return m != nil && m.Type == MessageTypeBroadcast && m.Endpoint != "" && m.ChannelName != ""
}

// PubSub replicates channel broadcasts across processes. Implementations
// must deliver a published message to every subscription with a matching
// endpoint and channel name, including ones on the publishing process; the
// channel engine filters out its own node's messages.
type PubSub interface {
	Broadcast(ctx context.Context, msg *PubSubMessage) error
	Subscribe(endpointName, channelName string, handler func(*PubSubMessage)) (func(), error)
	Close() error
}

// Topic builds the broker topic for one endpoint and channel.
func Topic(prefix, endpointName, channelName string) string {
	return prefix + ":" + endpointName + ":" + channelName
}

// TopicPattern builds the wildcard pattern covering every topic under the
// prefix.
func TopicPattern(prefix string) string {
	return prefix + ":*"
}

// SplitTopic recovers the endpoint and channel names from a topic. The
// channel name may itself contain separators, so only the first two are
// structural.
func SplitTopic(prefix, topic string) (endpointName, channelName string, ok bool) {
	rest, found := strings.CutPrefix(topic, prefix+":")
	if !found {
		return "", "", false
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
