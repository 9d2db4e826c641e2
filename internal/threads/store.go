// Package threads reads and writes thread JSON files and the media attached
// to them.
package threads

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"threaddeck/internal/logger"
	"threaddeck/internal/protocol"
)

// ErrNotFound is returned for a thread with no file.
var ErrNotFound = errors.New("thread not found")

// ErrInvalidID is returned for thread ids that cannot name a file.
var ErrInvalidID = errors.New("invalid thread id")

var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// ValidID reports whether id is usable as a thread identifier.
func ValidID(id string) bool {
	return validID.MatchString(id) && !strings.Contains(id, "..")
}

// Message is one transcript entry.
type Message struct {
	Role      string    `json:"role"` // user | assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Thread is the on-disk thread document.
type Thread struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Created   int64     `json:"created"` // unix ms
	Workspace string    `json:"workspace,omitempty"`
	Messages  []Message `json:"messages"`
}

// Summary is the list view of a thread.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Created      time.Time `json:"created"`
	Workspace    string    `json:"workspace,omitempty"`
	MessageCount int       `json:"messageCount"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Store is a directory of thread files plus an attachments directory. Summaries
// are cached until Invalidate is called.
type Store struct {
	dir            string
	attachmentsDir string
	log            *logger.Logger

	mu    sync.Mutex // serializes writes
	index struct {
		sync.RWMutex
		valid   bool
		entries map[string]Summary
	}
}

// NewStore creates a Store rooted at dir. The directory is created if needed.
func NewStore(dir, attachmentsDir string, log *logger.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create threads dir: %w", err)
	}
	return &Store{
		dir:            dir,
		attachmentsDir: attachmentsDir,
		log:            log.WithFields(zap.String("component", "threads")),
	}, nil
}

// Dir returns the directory holding thread files.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// Invalidate drops the cached index. The thread watcher calls it whenever the
// directory changes.
func (s *Store) Invalidate() {
	s.index.Lock()
	s.index.valid = false
	s.index.entries = nil
	s.index.Unlock()
}

// Read loads a whole thread document.
func (s *Store) Read(id string) (*Thread, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read thread %s: %w", id, err)
	}
	var t Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse thread %s: %w", id, err)
	}
	if t.ID == "" {
		t.ID = id
	}
	return &t, nil
}

// ReadTranscript returns the messages of a thread. A thread without a file has
// an empty transcript.
func (s *Store) ReadTranscript(id string) ([]Message, error) {
	t, err := s.Read(id)
	if errors.Is(err, ErrNotFound) {
		return []Message{}, nil
	}
	if err != nil {
		return nil, err
	}
	if t.Messages == nil {
		return []Message{}, nil
	}
	return t.Messages, nil
}

// AppendTranscript adds msg to the thread, creating the file if needed.
func (s *Store) AppendTranscript(id string, msg Message) error {
	if !ValidID(id) {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.Read(id)
	if errors.Is(err, ErrNotFound) {
		t = &Thread{ID: id, Created: time.Now().UnixMilli()}
	} else if err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	t.Messages = append(t.Messages, msg)
	if t.Title == "" && msg.Role == "user" {
		t.Title = titleFrom(msg.Content)
	}

	if err := s.write(t); err != nil {
		return err
	}
	s.Invalidate()
	return nil
}

// write replaces the thread file atomically.
func (s *Store) write(t *Thread) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal thread %s: %w", t.ID, err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+t.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("write thread %s: %w", t.ID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write thread %s: %w", t.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write thread %s: %w", t.ID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(t.ID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write thread %s: %w", t.ID, err)
	}
	return nil
}

// ResolveWorkspacePath returns the workspace directory recorded for a thread.
// Workspaces may be stored as file:// URIs.
func (s *Store) ResolveWorkspacePath(id string) (string, bool) {
	entries, err := s.summaries()
	if err != nil {
		return "", false
	}
	sum, ok := entries[id]
	if !ok || sum.Workspace == "" {
		return "", false
	}
	p := sum.Workspace
	if strings.HasPrefix(p, "file://") {
		u, err := url.Parse(p)
		if err != nil {
			return "", false
		}
		p = u.Path
	}
	if !filepath.IsAbs(p) {
		return "", false
	}
	info, err := os.Stat(p)
	if err != nil || !info.IsDir() {
		return "", false
	}
	return p, true
}

// List returns thread summaries, newest first.
func (s *Store) List() ([]Summary, error) {
	entries, err := s.summaries()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(entries))
	for _, sum := range entries {
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) summaries() (map[string]Summary, error) {
	s.index.RLock()
	if s.index.valid {
		entries := s.index.entries
		s.index.RUnlock()
		return entries, nil
	}
	s.index.RUnlock()

	entries, err := s.scan()
	if err != nil {
		return nil, err
	}

	s.index.Lock()
	s.index.entries = entries
	s.index.valid = true
	s.index.Unlock()
	return entries, nil
}

func (s *Store) scan() (map[string]Summary, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}

	entries := make(map[string]Summary, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		if !ValidID(id) {
			continue
		}
		t, err := s.Read(id)
		if err != nil {
			s.log.Debug("skipping unreadable thread", zap.String("thread_id", id), zap.Error(err))
			continue
		}
		var updated time.Time
		if info, err := de.Info(); err == nil {
			updated = info.ModTime().UTC()
		}
		entries[id] = Summary{
			ID:           id,
			Title:        t.Title,
			Created:      time.UnixMilli(t.Created).UTC(),
			Workspace:    t.Workspace,
			MessageCount: len(t.Messages),
			UpdatedAt:    updated,
		}
	}
	return entries, nil
}

// PersistAttachedImage decodes img and writes it under the thread's
// attachments directory, returning the absolute file path.
func (s *Store) PersistAttachedImage(id string, img protocol.Image) (string, error) {
	if !ValidID(id) {
		return "", ErrInvalidID
	}
	ext, ok := protocol.ImageExtensions[img.MediaType]
	if !ok {
		return "", fmt.Errorf("unsupported image type %q", img.MediaType)
	}
	data, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		return "", fmt.Errorf("decode image: %w", err)
	}

	dir := filepath.Join(s.attachmentsDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create attachments dir: %w", err)
	}
	path := filepath.Join(dir, uuid.New().String()+ext)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("write image: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

func titleFrom(content string) string {
	line := strings.TrimSpace(strings.SplitN(strings.TrimSpace(content), "\n", 2)[0])
	if r := []rune(line); len(r) > 80 {
		return string(r[:80]) + "…"
	}
	return line
}
