package main

import (
	"io"
	"time"

	"github.com/theckman/yacspin"
)

// spinner wraps a yacspin spinner.  A nil inner spinner prints nothing,
// which is what quiet runs and terminals it cannot drive get
type spinner struct {
	s *yacspin.Spinner
}

func newSpinner(w io.Writer, quiet bool, suffix string) *spinner {
	if quiet {
		return &spinner{}
	}
	s, err := yacspin.New(yacspin.Config{
		Writer:            w,
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " " + suffix,
		SuffixAutoColon:   true,
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return &spinner{}
	}
	if err := s.Start(); err != nil {
		return &spinner{}
	}
	return &spinner{s: s}
}

func (sp *spinner) message(m string) {
	if sp.s != nil {
		sp.s.Message(m)
	}
}

func (sp *spinner) finish(err error) {
	if sp.s == nil {
		return
	}
	if err != nil {
		sp.s.StopFailMessage(err.Error())
		sp.s.StopFail()
		return
	}
	sp.s.Stop()
}
