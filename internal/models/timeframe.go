package models

import (
	"fmt"
	"time"
)

// Supported timeframes, ordered by period.
const (
	Timeframe1m  = "1m"
	Timeframe5m  = "5m"
	Timeframe15m = "15m"
	Timeframe1h  = "1h"
	Timeframe4h  = "4h"
	Timeframe1d  = "1d"
)

var timeframeSeconds = map[string]int64{
	Timeframe1m:  60,
	Timeframe5m:  300,
	Timeframe15m: 900,
	Timeframe1h:  3600,
	Timeframe4h:  14400,
	Timeframe1d:  86400,
}

// TimeframeSeconds returns the period of a timeframe in seconds.
func TimeframeSeconds(tf string) (int64, error) {
	secs, ok := timeframeSeconds[tf]
	if !ok {
		return 0, fmt.Errorf("unknown timeframe %q", tf)
	}
	return secs, nil
}

// ValidTimeframe reports whether tf is one of the supported timeframes.
func ValidTimeframe(tf string) bool {
	_, ok := timeframeSeconds[tf]
	return ok
}

// BucketStart quantizes ts down to the start of its bucket for the given
// period. A timestamp exactly on a boundary belongs to the new bucket.
func BucketStart(ts time.Time, periodSeconds int64) time.Time {
	unix := ts.Unix()
	return time.Unix(unix-(unix%periodSeconds), 0).UTC()
}
