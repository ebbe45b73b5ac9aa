package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caio-sobreiro/tinypacs/component"
	"github.com/caio-sobreiro/tinypacs/config"
	"github.com/caio-sobreiro/tinypacs/eventbus"
	"github.com/caio-sobreiro/tinypacs/interfaces"
	"github.com/caio-sobreiro/tinypacs/types"
)

// File stores instances on the filesystem under
// <storage_dir>/<YYYYMMDD>/<sop_instance_uid>.dcm. When storage_dir is not
// configured it falls back to a fresh temporary directory that is removed on
// ON_EXIT.
type File struct {
	base

	dir       string
	ephemeral bool

	// now is swapped out in tests.
	now func() time.Time
}

// NewFileStorage creates the filesystem storage component.
func NewFileStorage(bus *eventbus.Bus, cfg config.ComponentConfig) *File {
	s := &File{now: time.Now}
	s.Base = component.New(config.ComponentFileStorage, bus, cfg, component.Hooks{
		OnStart: s.start,
		OnExit:  s.stop,
	})
	register(&s.base, s)
	return s
}

func (s *File) start() error {
	s.dir = s.Config.GetString("storage_dir", "")
	if s.dir == "" {
		dir, err := os.MkdirTemp("", "tinypacs-storage-")
		if err != nil {
			return fmt.Errorf("storage: temp dir fallback: %w", err)
		}
		s.dir = dir
		s.ephemeral = true
		s.Logger.Warn("No storage_dir configured, using temporary directory", "dir", dir)
	}
	return nil
}

func (s *File) stop() error {
	if s.ephemeral && s.dir != "" {
		return os.RemoveAll(s.dir)
	}
	return nil
}

func (s *File) createSink(msg *types.Message) (interfaces.StoreSink, string, error) {
	day := s.now().Format("20060102")
	dir := filepath.Join(s.dir, day)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, "", fmt.Errorf("storage: creating %s: %w", dir, err)
	}

	uid := msg.AffectedSOPInstanceUID
	path := filepath.Join(dir, uid+".dcm")
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%d.dcm", uid, n))
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, "", err
	}
	return f, path, nil
}

func (s *File) openArtifact(row fileRow) ([]byte, error) {
	return os.ReadFile(row.FileName)
}

func (s *File) discard(fileName string) error {
	return os.Remove(fileName)
}
