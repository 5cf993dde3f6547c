// Package audio stores raw note audio. References handed out by Save are
// opaque to the rest of the pipeline; the batch transcription stage and
// the streaming fallback both load audio back through the same store.
package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound means the reference does not resolve to stored audio.
var ErrNotFound = errors.New("audio not found")

// Store persists and retrieves raw audio blobs.
type Store interface {
	// Ref returns the reference Save would produce for a note, so callers
	// can hand out the reference before any audio has been written.
	Ref(noteID string) string
	// Save stores audio for a note and returns its reference.
	Save(ctx context.Context, noteID string, data []byte) (string, error)
	// Append extends previously saved audio. Creates the blob when the
	// reference has not been written yet; streaming sessions append chunk
	// by chunk so a dropped connection still leaves a transcribable blob.
	Append(ctx context.Context, ref string, chunk []byte) error
	// Load reads the audio a reference points to.
	Load(ctx context.Context, ref string) ([]byte, error)
}

const refPrefix = "audio://"

// FSStore keeps one file per note under a root directory.
type FSStore struct {
	root string
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create audio directory: %w", err)
	}
	return &FSStore{root: root}, nil
}

// Ref returns the reference Save would produce for a note.
func (s *FSStore) Ref(noteID string) string {
	return refPrefix + noteID
}

func (s *FSStore) path(ref string) (string, error) {
	id := strings.TrimPrefix(ref, refPrefix)
	if id == "" || id == ref || strings.ContainsAny(id, "/\\") {
		return "", fmt.Errorf("malformed audio reference %q", ref)
	}
	return filepath.Join(s.root, id+".raw"), nil
}

// Save stores audio for a note and returns its reference.
func (s *FSStore) Save(ctx context.Context, noteID string, data []byte) (string, error) {
	ref := s.Ref(noteID)
	p, err := s.path(ref)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", fmt.Errorf("save audio: %w", err)
	}
	return ref, nil
}

// Append extends the blob the reference points to.
func (s *FSStore) Append(ctx context.Context, ref string, chunk []byte) error {
	p, err := s.path(ref)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("append audio: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(chunk); err != nil {
		return fmt.Errorf("append audio: %w", err)
	}
	return nil
}

// Load reads the audio a reference points to.
func (s *FSStore) Load(ctx context.Context, ref string) ([]byte, error) {
	p, err := s.path(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("load audio: %w", err)
	}
	return data, nil
}
