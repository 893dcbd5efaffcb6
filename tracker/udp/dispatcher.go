package udp

import (
	"bytes"
	"fmt"
	"net"

	g "github.com/anacrolix/generics"
	"github.com/anacrolix/sync"
)

type DispatchedResponse struct {
	Header ResponseHeader
	// Response payload, after the header.
	Body []byte
	// Response source address.
	Addr net.Addr
}

type TransactionResponseHandler func(dr DispatchedResponse)

type Transaction struct {
	id TransactionId
	d  *Dispatcher
}

func (t Transaction) Id() TransactionId {
	return t.id
}

func (t Transaction) End() {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	delete(t.d.transactions, t.id)
}

// Dispatcher requires no initialization.
type Dispatcher struct {
	mu           sync.RWMutex
	transactions map[TransactionId]TransactionResponseHandler
}

func (me *Dispatcher) NewTransaction(h TransactionResponseHandler) Transaction {
	me.mu.Lock()
	defer me.mu.Unlock()
	for {
		id := NewTransactionId()
		if _, ok := me.transactions[id]; ok {
			continue
		}
		g.MakeMapIfNil(&me.transactions)
		me.transactions[id] = h
		return Transaction{
			d:  me,
			id: id,
		}
	}
}

// Routes a received packet to the transaction waiting on it. Packets with
// unknown transaction ids are reported as an error and otherwise ignored; the
// waiting transaction keeps waiting within its own timeout.
func (me *Dispatcher) Dispatch(b []byte, addr net.Addr) error {
	buf := bytes.NewBuffer(b)
	var rh ResponseHeader
	err := Read(buf, &rh)
	if err != nil {
		return fmt.Errorf("reading response header: %w", err)
	}
	me.mu.RLock()
	defer me.mu.RUnlock()
	if h, ok := me.transactions[rh.TransactionId]; ok {
		h(DispatchedResponse{
			Header: rh,
			Body:   append([]byte(nil), buf.Bytes()...),
			Addr:   addr,
		})
		return nil
	}
	return fmt.Errorf("unknown transaction id %v", rh.TransactionId)
}
