package service

import "github.com/voiceavatar/api/internal/model"

// ProgressSink receives pipeline transitions. Notify must not block for long;
// it is called inline from the poll loop.
type ProgressSink interface {
	Notify(event model.ProgressEvent)
}

// SinkFunc adapts a function to ProgressSink
type SinkFunc func(event model.ProgressEvent)

func (f SinkFunc) Notify(event model.ProgressEvent) { f(event) }

// MultiSink fans an event out to every sink in order
type MultiSink []ProgressSink

func (m MultiSink) Notify(event model.ProgressEvent) {
	for _, s := range m {
		if s != nil {
			s.Notify(event)
		}
	}
}

type discardSink struct{}

func (discardSink) Notify(model.ProgressEvent) {}

// Discard drops every event
var Discard ProgressSink = discardSink{}
