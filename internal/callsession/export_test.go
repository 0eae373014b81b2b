package callsession

import "github.com/MrWong99/callpilot/pkg/audio"

// Abort runs the internal abort path so tests can race it against other
// ways a session ends.
func (s *Session) Abort(err error, ch audio.Channel) { s.abort(err, ch) }
