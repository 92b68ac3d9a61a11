package uploadengine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// resumeState is what the engine persists between runs so an interrupted
// upload can continue in the same session. Which parts already landed is not
// stored here; the coordinator's part listing is the source of truth.
type resumeState struct {
	SessionID   string    `json:"sessionId"`
	LessonID    string    `json:"lessonId"`
	Strategy    string    `json:"strategy"`
	PartSize    int64     `json:"partSize"`
	PartCount   int       `json:"partCount"`
	StorageKey  string    `json:"storageKey"`
	FileSize    int64     `json:"fileSize"`
	FileModTime time.Time `json:"fileModTime"`
	SavedAt     time.Time `json:"savedAt"`
}

// matches reports whether the state was recorded for the same file contents.
func (s resumeState) matches(size int64, modTime time.Time) bool {
	return s.FileSize == size && s.FileModTime.Equal(modTime)
}

type stateFile struct {
	dir string
}

func newStateFile(dir string) *stateFile {
	if dir == "" {
		return nil
	}
	return &stateFile{dir: dir}
}

func (f *stateFile) path(lessonID, filePath string) string {
	abs, err := filepath.Abs(filePath)
	if err != nil {
		abs = filePath
	}
	digest := sha256.Sum256([]byte(lessonID + "\x00" + abs))
	return filepath.Join(f.dir, hex.EncodeToString(digest[:16])+".json")
}

func (f *stateFile) load(lessonID, filePath string) (resumeState, bool) {
	if f == nil {
		return resumeState{}, false
	}
	raw, err := os.ReadFile(f.path(lessonID, filePath))
	if err != nil {
		return resumeState{}, false
	}
	var state resumeState
	if err := json.Unmarshal(raw, &state); err != nil || state.SessionID == "" {
		return resumeState{}, false
	}
	return state, true
}

func (f *stateFile) save(lessonID, filePath string, state resumeState) error {
	if f == nil {
		return nil
	}
	if err := os.MkdirAll(f.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	state.SavedAt = time.Now().UTC()
	raw, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode upload state: %w", err)
	}
	target := f.path(lessonID, filePath)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write upload state: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return fmt.Errorf("replace upload state: %w", err)
	}
	return nil
}

func (f *stateFile) clear(lessonID, filePath string) {
	if f == nil {
		return
	}
	_ = os.Remove(f.path(lessonID, filePath))
}
