package storage

import (
	"fmt"
	"io"
	"sync"

	"github.com/caio-sobreiro/tinypacs/component"
	"github.com/caio-sobreiro/tinypacs/config"
	"github.com/caio-sobreiro/tinypacs/eventbus"
	"github.com/caio-sobreiro/tinypacs/interfaces"
	"github.com/caio-sobreiro/tinypacs/types"
)

// InMemory keeps received instances in process memory. It is the default
// backend; everything is lost on restart, which is fine for testing and for
// acting as a relay.
type InMemory struct {
	base

	mu    sync.RWMutex
	files map[string]*memFile
}

// NewInMemory creates the in-memory storage component.
func NewInMemory(bus *eventbus.Bus, cfg config.ComponentConfig) *InMemory {
	s := &InMemory{files: make(map[string]*memFile)}
	s.Base = component.New(config.ComponentInMemoryStorage, bus, cfg, component.Hooks{})
	register(&s.base, s)
	return s
}

func (s *InMemory) createSink(msg *types.Message) (interfaces.StoreSink, string, error) {
	f := &memFile{}
	s.mu.Lock()
	s.files[msg.AffectedSOPInstanceUID] = f
	s.mu.Unlock()
	return f, "mem:" + msg.AffectedSOPInstanceUID, nil
}

func (s *InMemory) openArtifact(row fileRow) ([]byte, error) {
	s.mu.RLock()
	f, ok := s.files[row.SOPInstanceUID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("storage: %s not held in memory", row.SOPInstanceUID)
	}
	return f.bytes(), nil
}

func (s *InMemory) discard(fileName string) error {
	uid := fileName
	if len(uid) > 4 && uid[:4] == "mem:" {
		uid = uid[4:]
	}
	s.mu.Lock()
	delete(s.files, uid)
	s.mu.Unlock()
	return nil
}

// memFile is a seekable in-memory file.
type memFile struct {
	mu  sync.Mutex
	buf []byte
	pos int64
}

func (f *memFile) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := f.pos + int64(len(p))
	if end > int64(len(f.buf)) {
		grown := make([]byte, end)
		copy(grown, f.buf)
		f.buf = grown
	}
	copy(f.buf[f.pos:end], p)
	f.pos = end
	return len(p), nil
}

func (f *memFile) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pos >= int64(len(f.buf)) {
		return 0, io.EOF
	}
	n := copy(p, f.buf[f.pos:])
	f.pos += int64(n)
	return n, nil
}

func (f *memFile) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = f.pos + offset
	case io.SeekEnd:
		pos = int64(len(f.buf)) + offset
	default:
		return 0, fmt.Errorf("storage: invalid seek whence %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("storage: negative seek position")
	}
	f.pos = pos
	return pos, nil
}

func (f *memFile) bytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, len(f.buf))
	copy(out, f.buf)
	return out
}
