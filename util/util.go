// Package util contains misc internal utilities.
package util

import (
	"fmt"
	"strconv"
	"strings"
)

// IntSliceToCSV converts a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}
	return strings.Join(s, ",")
}

// ExpandRanges is the inverse of IntSliceToCSV, and also accepts inclusive
// ranges written lo:hi.  e.g., "1,3:5" => []int{1,3,4,5}
func ExpandRanges(s string) ([]int, error) {
	var out []int
	for _, f := range strings.Split(s, ",") {
		lo, hi := f, f
		if i := strings.IndexByte(f, ':'); i >= 0 {
			lo, hi = f[:i], f[i+1:]
		}
		a, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, err
		}
		b, err := strconv.Atoi(strings.TrimSpace(hi))
		if err != nil {
			return nil, err
		}
		if b < a {
			return nil, fmt.Errorf("descending range %d:%d", a, b)
		}
		for v := a; v <= b; v++ {
			out = append(out, v)
		}
	}
	return out, nil
}
