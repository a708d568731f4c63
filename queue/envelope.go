package queue

import "time"

// Properties carries the delivery properties attached to a published message.
type Properties struct {
	Persistent   bool          `msgpack:"persistent"`
	Expiry       time.Duration `msgpack:"expiry"`
	NeedsConfirm bool          `msgpack:"needs_confirm"`
}

// Envelope is a single queue message together with its delivery properties.
type Envelope struct {
	Body  []byte     `msgpack:"body"`
	Props Properties `msgpack:"props"`
}

// Size is the payload size in bytes, used for progress accounting.
func (e Envelope) Size() uint64 {
	return uint64(len(e.Body))
}
