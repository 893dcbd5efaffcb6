package peer_protocol

import "fmt"

const (
	// The pstrlen and pstr of a standard handshake.
	Protocol = "\x13BitTorrent protocol"
)

type MessageType byte

const (
	Choke         MessageType = iota
	Unchoke                   // 1
	Interested                // 2
	NotInterested             // 3
	Have                      // 4
	Bitfield                  // 5
	Request                   // 6
	Piece                     // 7
	Cancel                    // 8
)

func (mt MessageType) String() string {
	switch mt {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", byte(mt))
	}
}

type RequestSpec struct {
	Index, Begin, Length Integer
}

func (me RequestSpec) String() string {
	return fmt.Sprintf("{%d %d %d}", me.Index, me.Begin, me.Length)
}
