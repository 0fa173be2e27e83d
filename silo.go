package foyer

import "net"

// MessageCenter is the silo-side consumer of gateway traffic: messages
// the gateway cannot deliver itself (inbound client frames, synthesized
// rejections) are handed back here for cluster routing.
type MessageCenter interface {
	// SendMessage hands a message to the silo for further routing.
	SendMessage(msg *Message)

	// RecordClientDrop tells the silo that a set of proxied actors is no
	// longer reachable via this gateway, so the cluster directory can be
	// updated.
	RecordClientDrop(actors []ActorID)
}

// ClientRegistrar observes client arrivals and departures, e.g. to
// maintain silo-side observer subscriptions.
type ClientRegistrar interface {
	ClientAdded(id ClientID)
	ClientDropped(id ClientID)
}

// Serializer turns messages into wire buffers. The default is the frame
// codec in codec.go; silos embedding the gateway can substitute their own.
type Serializer interface {
	// Serialize encodes one message. The returned buffers are written to
	// the socket in one Send.
	Serialize(msg *Message) (net.Buffers, error)

	// SerializeBatch encodes a batch into one contiguous wire unit.
	// Messages that fail to encode get a non-nil entry in the returned
	// error slice and are excluded from the buffers; the rest are sent.
	SerializeBatch(msgs []*Message) (net.Buffers, []error)
}
