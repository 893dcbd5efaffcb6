package peer_protocol

import (
	"fmt"
	"io"
	"sync"

	"github.com/pkg/errors"
)

type Decoder struct {
	R interface {
		io.Reader
		io.ByteReader
	}
	// This must return *[]byte where the slices can fit data for piece
	// messages. We store *[]byte in the pool to avoid an extra allocation
	// every time we put the slice back into the pool. The chunk size should
	// not change for the life of the decoder.
	Pool      *sync.Pool
	MaxLength Integer // Does not include the length header.
}

// io.EOF is returned if the source terminates cleanly on a message boundary.
// Messages with ids we don't implement are drained and skipped, so a nil
// error always leaves a message the caller can act on in msg.
func (d *Decoder) Decode(msg *Message) (err error) {
	for {
		var known bool
		known, err = d.decode(msg)
		if err != nil || known {
			return
		}
	}
}

func (d *Decoder) decode(msg *Message) (known bool, err error) {
	known = true
	var length Integer
	err = length.Read(d.R)
	if err != nil {
		if err == io.EOF {
			return
		}
		err = fmt.Errorf("reading message length: %w", err)
		return
	}
	if length > d.MaxLength {
		err = errors.New("message too long")
		return
	}
	if length == 0 {
		msg.Keepalive = true
		return
	}
	msg.Keepalive = false
	r := d.R
	// From this point onwards, EOF is unexpected.
	defer func() {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
	}()
	c, err := r.ReadByte()
	if err != nil {
		return
	}
	length--
	msg.Type = MessageType(c)
	switch msg.Type {
	case Choke, Unchoke, Interested, NotInterested:
	case Have:
		err = msg.Index.Read(r)
		length -= 4
	case Request, Cancel:
		for _, data := range []*Integer{&msg.Index, &msg.Begin, &msg.Length} {
			err = data.Read(r)
			if err != nil {
				break
			}
		}
		length -= 12
	case Bitfield:
		b := make([]byte, length)
		_, err = io.ReadFull(r, b)
		length = 0
		msg.Bitfield = unmarshalBitfield(b)
	case Piece:
		for _, pi := range []*Integer{&msg.Index, &msg.Begin} {
			err = pi.Read(r)
			if err != nil {
				return
			}
		}
		length -= 8
		dataLen := int64(length)
		if d.Pool == nil {
			msg.Piece = make([]byte, dataLen)
		} else {
			msg.Piece = *d.Pool.Get().(*[]byte)
			if int64(cap(msg.Piece)) < dataLen {
				err = errors.New("piece data longer than expected")
				return
			}
			msg.Piece = msg.Piece[:dataLen]
		}
		_, err = io.ReadFull(r, msg.Piece)
		length = 0
	default:
		// An id we don't implement. Drain the body so the stream stays
		// framed, and have Decode try again.
		known = false
		_, err = io.CopyN(io.Discard, r, int64(length))
		length = 0
	}
	if err == nil && length != 0 {
		err = fmt.Errorf("%v unused bytes in message type %v", length, msg.Type)
	}
	return
}
