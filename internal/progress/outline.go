package progress

import "errors"

// ErrCourseNotFound .
var ErrCourseNotFound = errors.New("course not found")

// OutlineContent .
type OutlineContent struct {
	ID    string      `json:"id"`
	Title string      `json:"title"`
	Type  ContentType `json:"type"`
}

// OutlineModule .
type OutlineModule struct {
	ID       string           `json:"id"`
	Title    string           `json:"title"`
	Contents []OutlineContent `json:"contents"`
}

// Outline course -> module -> content hierarchy, in display order
type Outline struct {
	CourseID string          `json:"course_id"`
	Title    string          `json:"title"`
	Modules  []OutlineModule `json:"modules"`
}

// Module find module by id
func (o *Outline) Module(moduleID string) (*OutlineModule, bool) {
	for i := range o.Modules {
		if o.Modules[i].ID == moduleID {
			return &o.Modules[i], true
		}
	}
	return nil, false
}

// Content find content by module and content id
func (o *Outline) Content(moduleID, contentID string) (*OutlineContent, bool) {
	m, ok := o.Module(moduleID)
	if !ok {
		return nil, false
	}
	for i := range m.Contents {
		if m.Contents[i].ID == contentID {
			return &m.Contents[i], true
		}
	}
	return nil, false
}
