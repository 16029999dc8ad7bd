package sessionbuffer

import "time"

func defaultNow() time.Time {
	return time.Now().UTC()
}
