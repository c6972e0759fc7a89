package progress

import (
	"fmt"
	"strings"
)

// ContentKey identifies one piece of content inside a course outline
type ContentKey struct {
	CourseID  string `json:"course_id"`
	ModuleID  string `json:"module_id"`
	ContentID string `json:"content_id"`
}

// NewContentKey .
func NewContentKey(courseID, moduleID, contentID string) ContentKey {
	return ContentKey{CourseID: courseID, ModuleID: moduleID, ContentID: contentID}
}

// String renders course/module/content
func (k ContentKey) String() string {
	return k.CourseID + "/" + k.ModuleID + "/" + k.ContentID
}

// Validate every part is required and must not contain the separator
func (k ContentKey) Validate() error {
	for _, part := range []struct{ name, value string }{
		{"course", k.CourseID},
		{"module", k.ModuleID},
		{"content", k.ContentID},
	} {
		if part.value == "" {
			return fmt.Errorf("%w: empty %s id", ErrInvalidRecord, part.name)
		}
		if strings.ContainsRune(part.value, '/') {
			return fmt.Errorf("%w: %s id %q contains '/'", ErrInvalidRecord, part.name, part.value)
		}
	}
	return nil
}

// ParseContentKey inverse of ContentKey.String
func ParseContentKey(s string) (ContentKey, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return ContentKey{}, fmt.Errorf("%w: malformed content key %q", ErrInvalidRecord, s)
	}
	k := ContentKey{CourseID: parts[0], ModuleID: parts[1], ContentID: parts[2]}
	return k, k.Validate()
}
