package keysight

import (
	"fmt"
	"io"
	"strings"
)

const colWidth = 10

// Measurer reads one channel
type Measurer interface {
	Measure(Channel) (Measurement, error)
}

func header() string {
	return fmt.Sprintf("%-*s%-*s%-*s%-*s\n",
		colWidth, "Channel", colWidth, "Voltage", colWidth, "Current", colWidth, "Power")
}

func row(m Measurement) string {
	return fmt.Sprintf("%-*d%-*.4f%-*.4f%-*.2f\n",
		colWidth, int(m.Channel), colWidth, m.Voltage, colWidth, m.Current, colWidth, m.Power)
}

// FormatTable renders measurements as the fixed width console table,
// including the trailing blank line
func FormatTable(ms []Measurement) string {
	var b strings.Builder
	b.WriteString(header())
	for _, m := range ms {
		b.WriteString(row(m))
	}
	b.WriteString("\n")
	return b.String()
}

// RenderTable measures channels 1..3 and writes the table to w as rows are
// read.  A failed read ends the table and is returned; rows are never
// filled with zeros.
func RenderTable(w io.Writer, m Measurer) error {
	if _, err := io.WriteString(w, header()); err != nil {
		return err
	}
	for _, ch := range Channels {
		meas, err := m.Measure(ch)
		if err != nil {
			return err
		}
		if _, err := io.WriteString(w, row(meas)); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\n")
	return err
}
