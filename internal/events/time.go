package events

import "time"

func stdNow() time.Time {
	return time.Now()
}
