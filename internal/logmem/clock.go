package logmem

import "time"

func wallClockSeconds() int64 {
	return time.Now().Unix()
}
