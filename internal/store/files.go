package store

import (
	"context"
	"fmt"
	"path"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Richard1990h/KING-V3-sub001/internal/apperr"
)

// FileStore keeps project files in the project_files table
type FileStore struct {
	db *gorm.DB
}

func NewFileStore(db *gorm.DB) *FileStore {
	return &FileStore{db: db}
}

// Read returns every file of the project keyed by path
func (s *FileStore) Read(ctx context.Context, projectID string) (map[string]string, error) {
	var recs []ProjectFile
	if err := s.db.WithContext(ctx).Where("project_id = ?", projectID).Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("read files of %s: %w", projectID, err)
	}
	out := make(map[string]string, len(recs))
	for _, r := range recs {
		out[r.Path] = r.Content
	}
	return out, nil
}

// Write creates or replaces one file
func (s *FileStore) Write(ctx context.Context, projectID, filePath, content string) error {
	clean, err := cleanFilePath(filePath)
	if err != nil {
		return err
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
	}).Create(&ProjectFile{ProjectID: projectID, Path: clean, Content: content}).Error
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", projectID, clean, err)
	}
	return nil
}

// cleanFilePath normalizes a project-relative path and rejects escapes
func cleanFilePath(p string) (string, error) {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	clean := path.Clean("/" + p)[1:]
	if p == "" || clean == "" || clean == "." || strings.HasPrefix(p, "/") || strings.Contains("/"+p+"/", "/../") {
		return "", apperr.Input(fmt.Sprintf("invalid file path %q", p))
	}
	return clean, nil
}
