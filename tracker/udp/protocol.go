package udp

import (
	"bytes"
	"encoding/binary"
	"io"
	"math/rand"
)

type Action int32

const (
	ActionConnect Action = iota
	ActionAnnounce
	ActionScrape
	ActionError
)

func (a Action) String() string {
	switch a {
	case ActionConnect:
		return "connect"
	case ActionAnnounce:
		return "announce"
	case ActionScrape:
		return "scrape"
	case ActionError:
		return "error"
	default:
		return "unknown"
	}
}

// The magic connection id a client uses on its connect request.
const ConnectRequestConnectionId = 0x41727101980

type (
	ConnectionId  = uint64
	TransactionId = int32
	InfoHash      = [20]byte
)

func NewTransactionId() TransactionId {
	return TransactionId(rand.Uint32())
}

type ConnectionResponse struct {
	ConnectionId ConnectionId
}

type RequestHeader struct {
	ConnectionId  ConnectionId
	Action        Action
	TransactionId TransactionId
} // 16 bytes

type ResponseHeader struct {
	Action        Action
	TransactionId TransactionId
} // 8 bytes

type AnnounceResponseHeader struct {
	Interval int32
	Leechers int32
	Seeders  int32
} // 12 bytes

// Marshalling is big-endian throughout, per BEP 15.

func Write(w io.Writer, data interface{}) error {
	return binary.Write(w, binary.BigEndian, data)
}

func Read(r io.Reader, data interface{}) error {
	return binary.Read(r, binary.BigEndian, data)
}

func mustMarshal(data interface{}) []byte {
	var buf bytes.Buffer
	err := Write(&buf, data)
	if err != nil {
		panic(err)
	}
	return buf.Bytes()
}
