package queue

import (
	"os"

	"github.com/klauspost/compress/snappy"
	"github.com/pkg/errors"
	msgpack "github.com/vmihailenco/msgpack"
)

// SaveSnapshot writes the store content to path as a snappy-compressed
// msgpack blob, in store order.
func SaveSnapshot(path string, s Store) error {
	var msgs []Envelope
	err := s.Fold(func(env Envelope) error {
		msgs = append(msgs, env)
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "failed to fold the store for a snapshot")
	}

	raw, err := msgpack.Marshal(msgs)
	if err != nil {
		return errors.Wrap(err, "failed to serialize the snapshot")
	}

	comp := snappy.Encode(nil, raw)
	if err := os.WriteFile(path, comp, 0o600); err != nil {
		return errors.Wrap(err, "failed to write the snapshot file")
	}
	return nil
}

// LoadSnapshot reads a snapshot written by SaveSnapshot into a fresh MemStore.
func LoadSnapshot(path string) (*MemStore, error) {
	comp, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read the snapshot file")
	}

	raw, err := snappy.Decode(nil, comp)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decompress the snapshot")
	}

	var msgs []Envelope
	if err := msgpack.Unmarshal(raw, &msgs); err != nil {
		return nil, errors.Wrap(err, "failed to deserialize the snapshot")
	}

	s := NewMemStore()
	for _, env := range msgs {
		if err := s.Publish(env, true); err != nil {
			return nil, err
		}
	}
	return s, nil
}
