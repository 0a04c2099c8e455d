package event

import (
	"fmt"
	"time"
)

// TimeFormat is the timestamp layout used when rendering a Line.
const TimeFormat = "2006-01-02 15:04:05"

// Tag identifies the kind of progress line.
type Tag int

const (
	Info Tag = iota + 1
	Queued
	Started
	OK
	Skipped
	Warn
	Error
	Done
)

var tagNames = [...]string{
	Info:    "INFO",
	Queued:  "QUEUE",
	Started: "START",
	OK:      "OK",
	Skipped: "SKIP",
	Warn:    "WARN",
	Error:   "ERROR",
	Done:    "DONE",
}

func (t Tag) String() string {
	if t > 0 && int(t) < len(tagNames) {
		return tagNames[t]
	}
	return "Unknown"
}

// Line is a single human-readable progress line.
type Line struct {
	Time time.Time
	Tag  Tag
	Text string
}

// String renders the line as "2006-01-02 15:04:05 [TAG] text".
func (l Line) String() string {
	return fmt.Sprintf("%s [%s] %s", l.Time.Format(TimeFormat), l.Tag, l.Text)
}
