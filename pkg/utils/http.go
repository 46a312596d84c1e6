package utils

import "io"

// MaxDrainBytes bounds how much of an unread provider response is discarded
// before closing. Bodies larger than this cost a connection instead.
const MaxDrainBytes = 64 << 10

// DrainAndClose discards up to MaxDrainBytes of rc so the transport can reuse
// the connection, then closes it.
func DrainAndClose(rc io.ReadCloser) error {
	if rc == nil {
		return nil
	}
	_, _ = io.CopyN(io.Discard, rc, MaxDrainBytes)
	return rc.Close()
}
