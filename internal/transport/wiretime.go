package transport

import (
	"fmt"
	"strconv"
	"time"
)

// FlexTime accepts RFC 3339 strings or unix epoch numbers (integer or
// fractional seconds), the two timestamp shapes producers actually send.
type FlexTime struct {
	time.Time
}

func (t *FlexTime) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' {
		parsed, err := time.Parse(time.RFC3339, s[1:len(s)-1])
		if err != nil {
			return fmt.Errorf("bad timestamp %s", s)
		}
		t.Time = parsed
		return nil
	}
	epoch, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("bad timestamp %s", s)
	}
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * 1e9)
	t.Time = time.Unix(sec, nsec).UTC()
	return nil
}
