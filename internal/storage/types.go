package storage

import (
	"encoding"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DBSession is the persisted login of the local user.
type DBSession struct {
	User        string `msgpack:"user"`
	ReLoginCode string `msgpack:"reLoginCode"`
	SavedAt     int64  `msgpack:"savedAt"`
}

func (s *DBSession) Key() []byte {
	return sessionKey
}

func (s *DBSession) MarshalBinary() (data []byte, err error) {
	type alias DBSession
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSession) UnmarshalBinary(data []byte) error {
	type alias DBSession
	return msgpack.Unmarshal(data, (*alias)(s))
}
