// Package ota receives firmware images pushed as a bare HTTP POST and
// writes them to the inactive firmware partition.
//
// The request framing is deliberately minimal: the receiver reads the
// header block into a fixed buffer, checks the method and the
// Content-Length, then streams exactly that many bytes into the update
// target.  A DELETE request is acknowledged and cancels the update
// before anything is written.
package ota

// Partition names a firmware slot.
type Partition struct {
	Label    string
	Capacity uint32
}

// Target is the firmware store an image is written to.
type Target interface {
	// NextPartition returns the slot an update would be written to.
	NextPartition() (Partition, error)

	// Begin opens p for a sequential write of exactly size bytes.
	Begin(p Partition, size uint32) (Update, error)

	// SetBootTarget selects p for the next boot.
	SetBootTarget(p Partition) error
}

// Update is one in-progress image write.  Exactly one of Finalize or
// Abort ends it.
type Update interface {
	Write(b []byte) (int, error)
	Finalize() error
	Abort() error
}
