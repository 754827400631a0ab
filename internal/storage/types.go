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

// DBSession is a stored login, one per server.
type DBSession struct {
	Server    string `msgpack:"server"`
	Token     string `msgpack:"token"`
	TokenType string `msgpack:"tokenType"`
	UserID    int64  `msgpack:"userId"`
	Username  string `msgpack:"username"`
	FullName  string `msgpack:"fullName"`
	Email     string `msgpack:"email"`
	AvatarURL string `msgpack:"avatarUrl"`
	SavedAt   int64  `msgpack:"savedAt"`
}

func (s *DBSession) Key() []byte {
	return []byte(s.Server)
}

func (s *DBSession) MarshalBinary() (data []byte, err error) {
	type alias DBSession
	return msgpack.Marshal((*alias)(s))
}

func (s *DBSession) UnmarshalBinary(data []byte) error {
	type alias DBSession
	return msgpack.Unmarshal(data, (*alias)(s))
}
