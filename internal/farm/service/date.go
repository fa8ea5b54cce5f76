package service

import (
	"bytes"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Date 请求中的日期，接受 2006-01-02 或 RFC3339
type Date struct {
	time.Time
}

func NewDate(t time.Time) Date {
	return Date{Time: dayOf(t)}
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + d.Format(dateLayout) + `"`), nil
}

func (d *Date) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte(`""`)) {
		d.Time = time.Time{}
		return nil
	}
	s := string(bytes.Trim(data, `"`))
	if t, err := time.Parse(dateLayout, s); err == nil {
		d.Time = t
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("invalid date %q, expect YYYY-MM-DD", s)
	}
	d.Time = dayOf(t)
	return nil
}

// dayOf 截断到当天零点（UTC）
func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func addDays(t time.Time, days int) time.Time {
	return dayOf(t).AddDate(0, 0, days)
}
