package storage

import (
	"os"
	"sync"

	"github.com/caio-sobreiro/tinypacs/component"
	"github.com/caio-sobreiro/tinypacs/config"
	"github.com/caio-sobreiro/tinypacs/eventbus"
	"github.com/caio-sobreiro/tinypacs/interfaces"
	"github.com/caio-sobreiro/tinypacs/types"
)

// TempFile stores each instance in a temporary file. Everything it created
// is unlinked on ON_EXIT.
type TempFile struct {
	base

	mu    sync.Mutex
	paths []string
}

// NewTempFile creates the temp-file storage component.
func NewTempFile(bus *eventbus.Bus, cfg config.ComponentConfig) *TempFile {
	s := &TempFile{}
	s.Base = component.New(config.ComponentTempFileStorage, bus, cfg, component.Hooks{
		OnExit: s.cleanup,
	})
	register(&s.base, s)
	return s
}

func (s *TempFile) createSink(msg *types.Message) (interfaces.StoreSink, string, error) {
	f, err := os.CreateTemp("", "tinypacs-*.dcm")
	if err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	s.paths = append(s.paths, f.Name())
	s.mu.Unlock()
	return f, f.Name(), nil
}

func (s *TempFile) openArtifact(row fileRow) ([]byte, error) {
	return os.ReadFile(row.FileName)
}

func (s *TempFile) discard(fileName string) error {
	return os.Remove(fileName)
}

func (s *TempFile) cleanup() error {
	s.mu.Lock()
	paths := s.paths
	s.paths = nil
	s.mu.Unlock()
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.Logger.Warn("Removing temp file", "file", p, "error", err)
		}
	}
	return nil
}
