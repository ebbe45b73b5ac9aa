package interfaces

import "io"

// StoreSink is where one incoming instance's bytes land. The storage backend
// hands out a sink positioned right after the Part 10 header it already
// wrote; the front-end writes the data set and the indexer seeks back to
// parse it.
type StoreSink interface {
	io.ReadWriteSeeker
}
