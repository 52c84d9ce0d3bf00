package utils

import (
	"fmt"
	"time"
)

// MessageTS formats t the way chat platforms stamp messages: unix seconds
// with six fractional digits.
func MessageTS(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/int(time.Microsecond))
}
