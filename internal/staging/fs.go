package staging

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/framara/what-the-meta-backend/internal/domain"
)

const tmpPrefix = ".tmp-"

// FSStore stages shards as files in one directory of an afero filesystem
type FSStore struct {
	fs     afero.Fs
	dir    string
	codec  Codec
	logger *slog.Logger
}

// NewFSStore creates the staging directory if needed
func NewFSStore(fsys afero.Fs, dir string, codec Codec, logger *slog.Logger) (*FSStore, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("staging: create dir %s: %w", dir, err)
	}
	return &FSStore{fs: fsys, dir: dir, codec: codec, logger: logger}, nil
}

// NewOSStore stages shards on the local disk
func NewOSStore(dir string, codec Codec, logger *slog.Logger) (*FSStore, error) {
	return NewFSStore(afero.NewOsFs(), dir, codec, logger)
}

// Put writes to a temp file and renames it into place
func (s *FSStore) Put(ctx context.Context, shard *domain.Shard) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := s.codec.Encode(shard.Runs)
	if err != nil {
		return err
	}

	name := shard.Name()
	tmp := filepath.Join(s.dir, tmpPrefix+uuid.NewString())
	final := filepath.Join(s.dir, name+s.codec.Ext())

	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("staging: write %s: %w", name, err)
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("staging: commit %s: %w", name, err)
	}

	// A shard staged earlier with the other codec would otherwise shadow this one
	stale := filepath.Join(s.dir, name+Codec{Compress: !s.codec.Compress}.Ext())
	if err := s.fs.Remove(stale); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("Failed to remove stale shard", "shard", name, "error", err)
	}
	return nil
}

func (s *FSStore) Get(ctx context.Context, name string) (*domain.Shard, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	key, err := domain.ParseShardName(name)
	if err != nil {
		return nil, err
	}

	for _, ext := range []string{s.codec.Ext(), Codec{Compress: !s.codec.Compress}.Ext()} {
		objectName := name + ext
		data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, objectName))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("staging: read %s: %w", name, err)
		}

		runs, err := Decode(objectName, data)
		if err != nil {
			return nil, err
		}
		return &domain.Shard{Key: key, Runs: runs}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func (s *FSStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return nil, fmt.Errorf("staging: list %s: %w", s.dir, err)
	}

	seen := make(map[string]struct{}, len(entries))
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), tmpPrefix) {
			continue
		}
		name, ok := splitObjectName(e.Name())
		if !ok {
			continue
		}
		if _, err := domain.ParseShardName(name); err != nil {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	sort.Strings(names)
	return names, nil
}

func (s *FSStore) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, ext := range []string{extJSON, extGzJSON} {
		err := s.fs.Remove(filepath.Join(s.dir, name+ext))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("staging: delete %s: %w", name, err)
		}
	}
	return nil
}

// CleanTemp removes leftovers of interrupted writes
func (s *FSStore) CleanTemp() error {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return fmt.Errorf("staging: list %s: %w", s.dir, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tmpPrefix) {
			if err := s.fs.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				return fmt.Errorf("staging: remove %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}
