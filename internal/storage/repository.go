package storage

import (
	"context"

	"classreel-media/internal/media"
	"classreel-media/internal/models"
)

// Repository exposes the datastore operations required by API handlers and
// the processor dispatcher.
type Repository interface {
	Ping(ctx context.Context) error

	CreateLesson(params CreateLessonParams) (models.Lesson, error)
	GetLesson(id string) (models.Lesson, bool)
	ListLessons(ownerID string) []models.Lesson

	GetAsset(lessonID string) (models.MediaAsset, bool)
	EnsureAsset(lessonID string) (models.MediaAsset, error)
	ApplyAssetUpdate(lessonID string, update media.Update) (models.MediaAsset, error)
	ListAssetsByStatus(status string) []models.MediaAsset
}

// CreateLessonParams captures the caller-supplied fields of a new lesson.
type CreateLessonParams struct {
	OwnerID string
	Title   string
}
