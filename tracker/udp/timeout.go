package udp

import (
	"errors"
	"time"
)

// After this many unanswered sends of a request, the request fails.
const MaxAttempts = 8

var ErrRetryLimitExceeded = errors.New("request retry limit exceeded")

// The timeout before resending a request, per BEP 15: 15 * 2^n seconds,
// where n is the number of contiguous timeouts so far.
func timeout(contiguousTimeouts int) (d time.Duration) {
	if contiguousTimeouts > 8 {
		contiguousTimeouts = 8
	}
	d = 15 * time.Second
	for ; contiguousTimeouts > 0; contiguousTimeouts-- {
		d *= 2
	}
	return
}
