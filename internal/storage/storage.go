// Package storage persists lessons and their media assets. The default
// Storage keeps everything in memory with optional JSON persistence to disk;
// a Postgres-backed Repository covers multi-replica deployments.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"classreel-media/internal/media"
	"classreel-media/internal/models"
)

type dataset struct {
	Lessons map[string]models.Lesson     `json:"lessons"`
	Assets  map[string]models.MediaAsset `json:"assets"`
}

func newDataset() dataset {
	return dataset{
		Lessons: make(map[string]models.Lesson),
		Assets:  make(map[string]models.MediaAsset),
	}
}

// Storage is the in-memory Repository. A non-empty file path makes every
// mutation durable via an atomic rewrite of the backing JSON file.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewStorage loads or initialises the datastore. An empty path keeps the
// store purely in memory.
func NewStorage(path string) (*Storage, error) {
	store := &Storage{
		filePath: strings.TrimSpace(path),
		now:      time.Now,
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.filePath == "" {
		s.data = newDataset()
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	if s.data.Lessons == nil {
		s.data.Lessons = make(map[string]models.Lesson)
	}
	if s.data.Assets == nil {
		s.data.Assets = make(map[string]models.MediaAsset)
	}
	return nil
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		if err := s.persistOverride(s.data); err != nil {
			return err
		}
	}
	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func cloneAsset(asset models.MediaAsset) models.MediaAsset {
	cloned := asset
	if asset.UploadSessionID != nil {
		sessionID := *asset.UploadSessionID
		cloned.UploadSessionID = &sessionID
	}
	if asset.Renditions != nil {
		cloned.Renditions = append([]models.Rendition(nil), asset.Renditions...)
	}
	if asset.CompletedAt != nil {
		completed := *asset.CompletedAt
		cloned.CompletedAt = &completed
	}
	return cloned
}

func (s *Storage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Storage) CreateLesson(params CreateLessonParams) (models.Lesson, error) {
	title := strings.TrimSpace(params.Title)
	if title == "" {
		return models.Lesson{}, media.NewError(media.KindValidation, "lesson title is required")
	}
	ownerID := strings.TrimSpace(params.OwnerID)
	if ownerID == "" {
		return models.Lesson{}, media.NewError(media.KindValidation, "lesson owner is required")
	}

	id, err := generateID()
	if err != nil {
		return models.Lesson{}, err
	}
	lesson := models.Lesson{
		ID:        id,
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: s.now().UTC(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Lessons[lesson.ID] = lesson
	if err := s.persist(); err != nil {
		delete(s.data.Lessons, lesson.ID)
		return models.Lesson{}, err
	}
	return lesson, nil
}

func (s *Storage) GetLesson(id string) (models.Lesson, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lesson, ok := s.data.Lessons[id]
	return lesson, ok
}

func (s *Storage) ListLessons(ownerID string) []models.Lesson {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lessons := make([]models.Lesson, 0, len(s.data.Lessons))
	for _, lesson := range s.data.Lessons {
		if ownerID != "" && lesson.OwnerID != ownerID {
			continue
		}
		lessons = append(lessons, lesson)
	}
	sort.Slice(lessons, func(i, j int) bool {
		if lessons[i].CreatedAt.Equal(lessons[j].CreatedAt) {
			return lessons[i].ID < lessons[j].ID
		}
		return lessons[i].CreatedAt.Before(lessons[j].CreatedAt)
	})
	return lessons
}

func (s *Storage) GetAsset(lessonID string) (models.MediaAsset, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.data.Assets[lessonID]
	if !ok {
		return models.MediaAsset{}, false
	}
	return cloneAsset(asset), true
}

// EnsureAsset returns the lesson's media asset, creating a pending one on
// first use.
func (s *Storage) EnsureAsset(lessonID string) (models.MediaAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Lessons[lessonID]; !ok {
		return models.MediaAsset{}, media.NewError(media.KindNotFound, "lesson %s not found", lessonID)
	}
	if asset, ok := s.data.Assets[lessonID]; ok {
		return cloneAsset(asset), nil
	}

	id, err := generateID()
	if err != nil {
		return models.MediaAsset{}, err
	}
	now := s.now().UTC()
	asset := models.MediaAsset{
		ID:        id,
		LessonID:  lessonID,
		Status:    media.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.data.Assets[lessonID] = asset
	if err := s.persist(); err != nil {
		delete(s.data.Assets, lessonID)
		return models.MediaAsset{}, err
	}
	return cloneAsset(asset), nil
}

// ApplyAssetUpdate runs the update through the lifecycle guard while holding
// the store lock, making the read-modify-write atomic.
func (s *Storage) ApplyAssetUpdate(lessonID string, update media.Update) (models.MediaAsset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset, ok := s.data.Assets[lessonID]
	if !ok {
		return models.MediaAsset{}, media.NewError(media.KindNotFound, "media asset for lesson %s not found", lessonID)
	}

	updated, err := media.Apply(asset, update, s.now())
	if err != nil {
		return models.MediaAsset{}, err
	}
	s.data.Assets[lessonID] = updated
	if err := s.persist(); err != nil {
		s.data.Assets[lessonID] = asset
		return models.MediaAsset{}, err
	}
	return cloneAsset(updated), nil
}

func (s *Storage) ListAssetsByStatus(status string) []models.MediaAsset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var assets []models.MediaAsset
	for _, asset := range s.data.Assets {
		if asset.Status != status {
			continue
		}
		assets = append(assets, cloneAsset(asset))
	}
	sort.Slice(assets, func(i, j int) bool {
		return assets[i].UpdatedAt.Before(assets[j].UpdatedAt)
	})
	return assets
}

var _ Repository = (*Storage)(nil)
