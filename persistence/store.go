// Package persistence provides an optional on-disk log of committed round
// transitions.
// 커밋된 라운드 전이와 앱 상태 요약을 저장한다 (Period State 자체는 저장하지 않음)
package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// TransitionRecord는 커밋된 라운드 전이 하나를 나타냄
type TransitionRecord struct {
	Height      int64  `json:"height"`       // 전이가 커밋된 블록 높이
	RoundHeight int64  `json:"round_height"` // 새 라운드의 높이
	From        string `json:"from"`         // 종료된 라운드
	Event       string `json:"event"`        // 종료 이벤트
	To          string `json:"to"`           // 다음 라운드
	Reset       bool   `json:"reset"`        // period 리셋 여부
	AppHash     []byte `json:"app_hash"`     // 커밋 후 앱 해시
}

// AppState는 마지막 커밋 시점의 앱 요약
type AppState struct {
	Height        int64  `json:"height"`
	AppHash       []byte `json:"app_hash"`
	LastBlockHash []byte `json:"last_block_hash"`
	RoundID       string `json:"round_id"`
	RoundHeight   int64  `json:"round_height"`
	PeriodCount   int64  `json:"period_count"`
}

// Store는 전이 기록과 앱 요약을 저장하는 인터페이스
type Store interface {
	SaveTransition(rec *TransitionRecord) error
	LoadTransitions() ([]*TransitionRecord, error)
	LatestTransition() (*TransitionRecord, error)

	SaveState(state *AppState) error
	LoadState() (*AppState, error)

	Close() error
}

// ================================================================================
//                          File-based Store 구현
// ================================================================================

// FileStore는 파일 시스템 기반 저장소
type FileStore struct {
	mu      sync.RWMutex
	baseDir string
}

// NewFileStore creates a new file-based store.
func NewFileStore(baseDir string) (*FileStore, error) {
	dirs := []string{
		baseDir,
		filepath.Join(baseDir, "transitions"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &FileStore{baseDir: baseDir}, nil
}

// SaveTransition writes transitions/transition_<round_height>.json.
func (fs *FileStore) SaveTransition(rec *TransitionRecord) error {
	if rec == nil {
		return fmt.Errorf("transition is nil")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	filename := filepath.Join(fs.baseDir, "transitions", fmt.Sprintf("transition_%d.json", rec.RoundHeight))
	return writeJSON(filename, rec)
}

// LoadTransitions returns every record ordered by round height.
func (fs *FileStore) LoadTransitions() ([]*TransitionRecord, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	dir := filepath.Join(fs.baseDir, "transitions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read transitions directory: %w", err)
	}

	var records []*TransitionRecord
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var n int64
		if _, err := fmt.Sscanf(entry.Name(), "transition_%d.json", &n); err != nil {
			continue
		}

		var rec TransitionRecord
		found, err := readJSON(filepath.Join(dir, entry.Name()), &rec)
		if err != nil {
			return nil, err
		}
		if found {
			records = append(records, &rec)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].RoundHeight < records[j].RoundHeight
	})
	return records, nil
}

// LatestTransition returns the record with the highest round height, or nil.
func (fs *FileStore) LatestTransition() (*TransitionRecord, error) {
	records, err := fs.LoadTransitions()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	return records[len(records)-1], nil
}

// SaveState saves the app summary.
func (fs *FileStore) SaveState(state *AppState) error {
	if state == nil {
		return fmt.Errorf("state is nil")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	return writeJSON(filepath.Join(fs.baseDir, "state.json"), state)
}

// LoadState loads the app summary. It returns nil if none was saved.
func (fs *FileStore) LoadState() (*AppState, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	var state AppState
	found, err := readJSON(filepath.Join(fs.baseDir, "state.json"), &state)
	if err != nil || !found {
		return nil, err
	}
	return &state, nil
}

// Close closes the store.
func (fs *FileStore) Close() error {
	// 파일 기반 저장소는 특별한 종료 로직이 필요 없음
	return nil
}

func writeJSON(filename string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", filepath.Base(filename), err)
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filename, err)
	}
	return nil
}

func readJSON(filename string, v any) (bool, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", filename, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", filename, err)
	}
	return true, nil
}

// ================================================================================
//                          Memory Store (테스트용)
// ================================================================================

// MemoryStore는 메모리 기반 저장소 (테스트용)
type MemoryStore struct {
	mu          sync.RWMutex
	transitions []*TransitionRecord
	state       *AppState
}

// NewMemoryStore creates a new memory-based store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// SaveTransition appends a record.
func (ms *MemoryStore) SaveTransition(rec *TransitionRecord) error {
	if rec == nil {
		return fmt.Errorf("transition is nil")
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.transitions = append(ms.transitions, rec)
	return nil
}

// LoadTransitions returns every record in insertion order.
func (ms *MemoryStore) LoadTransitions() ([]*TransitionRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return append([]*TransitionRecord(nil), ms.transitions...), nil
}

// LatestTransition returns the last record, or nil.
func (ms *MemoryStore) LatestTransition() (*TransitionRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if len(ms.transitions) == 0 {
		return nil, nil
	}
	return ms.transitions[len(ms.transitions)-1], nil
}

// SaveState saves the app summary.
func (ms *MemoryStore) SaveState(state *AppState) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.state = state
	return nil
}

// LoadState loads the app summary.
func (ms *MemoryStore) LoadState() (*AppState, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.state, nil
}

// Close closes the store.
func (ms *MemoryStore) Close() error {
	return nil
}
