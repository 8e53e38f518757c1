package common

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"
)

var quarterRegexp = regexp.MustCompile(`^(\d{4})_Q(\d{2})$`)

// Quarter is a three-calendar-month window, the time unit of a Time Series Stack
type Quarter struct {
	Year int
	Q    int // 1 to 4
}

// QuarterOf returns the quarter containing t, in UTC
func QuarterOf(t time.Time) Quarter {
	t = t.UTC()
	return Quarter{Year: t.Year(), Q: (int(t.Month())-1)/3 + 1}
}

// ParseQuarter parses a quarter formatted as YYYY_QNN (e.g. 2021_Q01)
func ParseQuarter(s string) (Quarter, error) {
	m := quarterRegexp.FindStringSubmatch(s)
	if m == nil {
		return Quarter{}, fmt.Errorf("ParseQuarter: invalid quarter '%s' (expected YYYY_QNN)", s)
	}
	y, _ := strconv.Atoi(m[1])
	q, _ := strconv.Atoi(m[2])
	if q < 1 || q > 4 {
		return Quarter{}, fmt.Errorf("ParseQuarter: invalid quarter number in '%s'", s)
	}
	return Quarter{Year: y, Q: q}, nil
}

// QuarterRange returns the quarters from first to last (included)
func QuarterRange(first, last Quarter) []Quarter {
	var qs []Quarter
	for q := first; q.Index() <= last.Index(); q = q.Next() {
		qs = append(qs, q)
	}
	return qs
}

// String implements Stringer
func (q Quarter) String() string {
	return fmt.Sprintf("%04d_Q%02d", q.Year, q.Q)
}

// Index returns the ordinal of the quarter (consecutive quarters have consecutive indices)
func (q Quarter) Index() int {
	return q.Year*4 + q.Q - 1
}

// Next returns the following quarter
func (q Quarter) Next() Quarter {
	if q.Q == 4 {
		return Quarter{Year: q.Year + 1, Q: 1}
	}
	return Quarter{Year: q.Year, Q: q.Q + 1}
}

// Start returns the first instant of the quarter (UTC)
func (q Quarter) Start() time.Time {
	return time.Date(q.Year, time.Month(3*(q.Q-1)+1), 1, 0, 0, 0, 0, time.UTC)
}

// End returns the first instant of the following quarter (UTC)
func (q Quarter) End() time.Time {
	return q.Next().Start()
}

// Contains returns true if t is in the quarter
func (q Quarter) Contains(t time.Time) bool {
	return QuarterOf(t) == q
}

// Before returns true if q is strictly before o
func (q Quarter) Before(o Quarter) bool {
	return q.Index() < o.Index()
}

// MarshalJSON implements json.Marshaler
func (q Quarter) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (q *Quarter) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := ParseQuarter(s)
	if err != nil {
		return err
	}
	*q = v
	return nil
}

// SortQuarters sorts the quarters chronologically
func SortQuarters(qs []Quarter) {
	sort.Slice(qs, func(i, j int) bool { return qs[i].Before(qs[j]) })
}
