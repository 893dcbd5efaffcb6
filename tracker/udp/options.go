package udp

import "math"

// Option types, BEP 41.
const (
	optionTypeEndOfOptions = 0x0
	optionTypeNop          = 0x1
	optionTypeURLData      = 0x2
)

type Options struct {
	RequestUri string
}

func (me Options) Encode() (ret []byte) {
	for len(me.RequestUri) != 0 {
		l := len(me.RequestUri)
		if l > math.MaxUint8 {
			l = math.MaxUint8
		}
		ret = append(ret, optionTypeURLData, byte(l))
		ret = append(ret, me.RequestUri[:l]...)
		me.RequestUri = me.RequestUri[l:]
	}
	return
}
