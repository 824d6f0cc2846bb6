package iothub

import (
	"fmt"
	"math/rand/v2"
)

// NewClientToken returns a fresh correlation token "{prefix}-NNNNN".
// Requests use the device name as prefix; the log level request uses the
// product id.
func NewClientToken(prefix string) string {
	return fmt.Sprintf("%s-%05d", prefix, rand.IntN(100000))
}
