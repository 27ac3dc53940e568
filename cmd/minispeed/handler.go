package main

import (
	"fmt"
	"io"
	"time"

	"github.com/apex/log"
)

// logHandler writes one line per entry, prefixed with the seconds since
// zeroTime. Debug lines are written as they are.
type logHandler struct {
	io.Writer
	zeroTime time.Time
}

func (h *logHandler) HandleLog(e *log.Entry) (err error) {
	var s string
	elapsed := e.Timestamp.Sub(h.zeroTime).Seconds()
	switch e.Level {
	case log.DebugLevel:
		s = e.Message
	case log.ErrorLevel, log.FatalLevel:
		s = fmt.Sprintf("[%14.6f] <!err> %s", elapsed, e.Message)
	default:
		s = fmt.Sprintf("[%14.6f] <%s> %s", elapsed, e.Level, e.Message)
	}
	if len(e.Fields) > 0 {
		s += fmt.Sprintf(": %+v", e.Fields)
	}
	s += "\n"
	_, err = h.Writer.Write([]byte(s))
	return
}
