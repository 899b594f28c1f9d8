// Package content reads topic content trees from YAML files.
//
// Each topic lives in <dir>/<topic_id>.yaml with three top-level keys:
// topic (the content tree), instructor and images.
package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/tutorloop/internal/domain"
)

// FileExt is the extension of topic files.
const FileExt = ".yaml"

// Store returns a topic's content tree, instructor metadata and image manifest.
type Store interface {
	GetTopic(ctx context.Context, topicID string) (*domain.TopicBundle, error)
}

// FileStore reads topics from a directory.
type FileStore struct {
	dir string
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates a store rooted at dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the content directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// GetTopic loads and validates <dir>/<topicID>.yaml. A missing file wraps
// domain.ErrNotFound; a file that does not parse or fails validation wraps
// domain.ErrStructureInvalid.
func (s *FileStore) GetTopic(ctx context.Context, topicID string) (*domain.TopicBundle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validTopicID(topicID) {
		return nil, fmt.Errorf("topic %q: %w", topicID, domain.ErrNotFound)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, topicID+FileExt))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("topic %s: %w", topicID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read topic %s: %w", topicID, err)
	}

	bundle, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("topic %s: %w", topicID, err)
	}
	if bundle.Topic.ID == "" {
		bundle.Topic.ID = topicID
	}
	if bundle.Topic.ID != topicID {
		return nil, fmt.Errorf("topic file %s declares id %q: %w", topicID, bundle.Topic.ID, domain.ErrStructureInvalid)
	}
	return bundle, nil
}

// Parse decodes and validates one topic document. Unknown keys are rejected.
func Parse(data []byte) (*domain.TopicBundle, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var bundle domain.TopicBundle
	if err := dec.Decode(&bundle); err != nil {
		return nil, fmt.Errorf("parse topic yaml: %w: %w", domain.ErrStructureInvalid, err)
	}
	if err := Validate(&bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

// Validate checks the structural rules the navigator relies on: a topic has
// classes or moments, every id is set, and ids are unique within their level.
func Validate(b *domain.TopicBundle) error {
	if b.Topic == nil {
		return fmt.Errorf("missing topic: %w", domain.ErrStructureInvalid)
	}
	t := b.Topic
	if len(t.Classes) == 0 && len(t.Moments) == 0 {
		return fmt.Errorf("topic %s has neither classes nor moments: %w", t.ID, domain.ErrStructureInvalid)
	}
	if len(t.Classes) > 0 && len(t.Moments) > 0 {
		return fmt.Errorf("topic %s mixes classes and top-level moments: %w", t.ID, domain.ErrStructureInvalid)
	}

	classIDs := map[string]bool{}
	momentIDs := map[string]bool{}
	activityIDs := map[string]bool{}

	checkMoments := func(moments []domain.Moment) error {
		for _, m := range moments {
			if m.ID == "" {
				return fmt.Errorf("moment without id: %w", domain.ErrStructureInvalid)
			}
			if momentIDs[m.ID] {
				return fmt.Errorf("duplicate moment id %s: %w", m.ID, domain.ErrStructureInvalid)
			}
			momentIDs[m.ID] = true
			for _, a := range m.Activities {
				if a.ID == "" {
					return fmt.Errorf("activity without id in moment %s: %w", m.ID, domain.ErrStructureInvalid)
				}
				if activityIDs[a.ID] {
					return fmt.Errorf("duplicate activity id %s: %w", a.ID, domain.ErrStructureInvalid)
				}
				activityIDs[a.ID] = true
				if c := a.Verification.SuccessCriteria.MinCompleteness; c < 0 || c > 100 {
					return fmt.Errorf("activity %s min_completeness %d out of range: %w", a.ID, c, domain.ErrStructureInvalid)
				}
			}
		}
		return nil
	}

	for _, c := range t.Classes {
		if c.ID == "" {
			return fmt.Errorf("class without id: %w", domain.ErrStructureInvalid)
		}
		if classIDs[c.ID] {
			return fmt.Errorf("duplicate class id %s: %w", c.ID, domain.ErrStructureInvalid)
		}
		classIDs[c.ID] = true
		if err := checkMoments(c.Moments); err != nil {
			return err
		}
	}
	if err := checkMoments(t.Moments); err != nil {
		return err
	}

	for _, img := range b.Images {
		if img.ID == "" {
			return fmt.Errorf("image without id: %w", domain.ErrStructureInvalid)
		}
	}
	return nil
}

// TopicIDFromPath returns the topic id for a content file path, or "" when
// the path is not a topic file.
func TopicIDFromPath(path string) string {
	base := filepath.Base(path)
	if !strings.EqualFold(filepath.Ext(base), FileExt) {
		return ""
	}
	id := strings.TrimSuffix(base, filepath.Ext(base))
	if !validTopicID(id) {
		return ""
	}
	return id
}

func validTopicID(id string) bool {
	if id == "" || strings.HasPrefix(id, ".") {
		return false
	}
	return !strings.ContainsAny(id, `/\`) && !strings.Contains(id, "..")
}
