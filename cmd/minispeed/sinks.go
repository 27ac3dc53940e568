package main

import (
	"fmt"
	"io"

	"github.com/ooni/minispeed/internal/model"
)

// terminalSinks prints progress the way the mobile app labels it.
type terminalSinks struct {
	io.Writer
}

var _ model.Sinks = &terminalSinks{}

func (s *terminalSinks) OnPing(rttMillis float64, provider string) {
	fmt.Fprintf(s, "Ping: %.3fms\n", rttMillis)
	fmt.Fprintf(s, "Server: %s\n", provider)
}

func (s *terminalSinks) OnSpeed(mbps float64) {
	fmt.Fprintf(s, "Download Speed: %.3fMBps\n", mbps)
}

func (s *terminalSinks) OnError(message string) {
	fmt.Fprintln(s, message)
}

func (s *terminalSinks) OnComplete() {
	fmt.Fprintln(s, "Done.")
}
