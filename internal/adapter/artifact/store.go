// Package artifact manages produced audio files on local disk and checks
// remote artifact links.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bnema/audiograb/internal/port"
)

var (
	ErrEmptyRef     = errors.New("artifact reference is empty")
	ErrOutsideDir   = errors.New("artifact path outside downloads directory")
	ErrNotReachable = errors.New("artifact not reachable")
)

type Store struct {
	dir    string
	client *http.Client
}

// NewStore creates dir if needed. client is used for remote HEAD checks.
func NewStore(dir string, client *http.Client) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve downloads dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create downloads dir: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Store{dir: abs, client: client}, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Path returns the local path for a file name inside the downloads directory.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

func (s *Store) IsLocal(ref string) bool {
	return !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://")
}

func (s *Store) localPath(ref string) (string, error) {
	if ref == "" || strings.ContainsRune(ref, 0) {
		return "", ErrEmptyRef
	}
	clean := filepath.Clean(ref)
	rel, err := filepath.Rel(s.dir, clean)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", ErrOutsideDir
	}
	return clean, nil
}

// Exists reports whether the artifact can still be served: a non-empty local
// file, or a remote link answering HEAD with a non-error status.
func (s *Store) Exists(ctx context.Context, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	if !s.IsLocal(ref) {
		return s.remoteExists(ctx, ref)
	}
	path, err := s.localPath(ref)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat artifact: %w", err)
	}
	return info.Mode().IsRegular() && info.Size() > 0, nil
}

func (s *Store) remoteExists(ctx context.Context, ref string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, ref, nil)
	if err != nil {
		return false, fmt.Errorf("build head request: %w", err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("head artifact: %w", err)
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 400, nil
}

// Validate fails unless ref is non-empty and reachable.
func (s *Store) Validate(ctx context.Context, ref string) error {
	if ref == "" {
		return ErrEmptyRef
	}
	ok, err := s.Exists(ctx, ref)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotReachable
	}
	return nil
}

// Delete removes a local artifact. Missing files and remote links are not errors.
func (s *Store) Delete(_ context.Context, ref string) error {
	if ref == "" || !s.IsLocal(ref) {
		return nil
	}
	path, err := s.localPath(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

func (s *Store) Open(ref string) (*os.File, os.FileInfo, error) {
	path, err := s.localPath(ref)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

var _ port.ArtifactStore = (*Store)(nil)
