package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
)

// Track is one audio or video track within a stream.
type Track interface {
	ID() string
	Kind() string
	Stop() error
}

// MediaStream is an owned set of tracks, local or remote.
type MediaStream struct {
	id string

	mu     sync.Mutex
	tracks []Track
}

// NewMediaStream creates a stream with the given tracks.
func NewMediaStream(id string, tracks ...Track) *MediaStream {
	return &MediaStream{id: id, tracks: tracks}
}

func (s *MediaStream) ID() string { return s.id }

// Tracks returns a snapshot of the stream's tracks.
func (s *MediaStream) Tracks() []Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// AddTrack appends a track (used while a remote stream is being assembled).
func (s *MediaStream) AddTrack(t Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

// StopAll stops every track and joins the individual failures.
func (s *MediaStream) StopAll() error {
	var errs []error
	for _, t := range s.Tracks() {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LocalTrack adapts a pion local track to the Track interface. OnStop, when
// set, releases the underlying capture source.
type LocalTrack struct {
	Local  webrtc.TrackLocal
	OnStop func() error
}

func (t *LocalTrack) ID() string   { return t.Local.ID() }
func (t *LocalTrack) Kind() string { return t.Local.Kind().String() }

func (t *LocalTrack) Stop() error {
	if t.OnStop != nil {
		return t.OnStop()
	}
	return nil
}

// StaticProvider hands out a pre-built stream; used by the demo peer, where
// the tracks are sample tracks rather than live capture.
type StaticProvider struct {
	Stream *MediaStream
}

func (p *StaticProvider) Acquire(_ context.Context) (*MediaStream, error) {
	return p.Stream, nil
}
