package tracker

import (
	"math"
	"time"

	"github.com/pot-code/progress-sync/internal/progress"
	"github.com/pot-code/progress-sync/internal/syncer"
)

// ContentProgress .
type ContentProgress struct {
	ContentID string               `json:"content_id"`
	Type      progress.ContentType `json:"type"`
	Position  *progress.Position   `json:"position,omitempty"`
	Completed bool                 `json:"completed"`
	Version   int64                `json:"version"`
	State     syncer.ContentState  `json:"state,omitempty"`
}

// ModuleProgress completed iff every content is completed, an empty module never is
type ModuleProgress struct {
	ModuleID          string            `json:"module_id"`
	CompletedContents int               `json:"completed_contents"`
	TotalContents     int               `json:"total_contents"`
	Percent           int               `json:"percent"`
	Completed         bool              `json:"completed"`
	Contents          []ContentProgress `json:"contents"`
}

// CourseProgress .
type CourseProgress struct {
	CourseID         string           `json:"course_id"`
	Modules          []ModuleProgress `json:"modules"`
	CompletedModules int              `json:"completed_modules"`
	TotalModules     int              `json:"total_modules"`
	OverallProgress  int              `json:"overall_progress"` // percentage of completed modules
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Module find module by id
func (cp *CourseProgress) Module(moduleID string) (*ModuleProgress, bool) {
	for i := range cp.Modules {
		if cp.Modules[i].ModuleID == moduleID {
			return &cp.Modules[i], true
		}
	}
	return nil, false
}

func percent(part, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(part) / float64(total) * 100))
}

// Aggregate roll content records up into module and course progress
func Aggregate(outline *progress.Outline, records map[progress.ContentKey]*progress.Record) *CourseProgress {
	cp := &CourseProgress{
		CourseID:     outline.CourseID,
		TotalModules: len(outline.Modules),
		Modules:      make([]ModuleProgress, 0, len(outline.Modules)),
	}
	for _, m := range outline.Modules {
		mp := ModuleProgress{
			ModuleID:      m.ID,
			TotalContents: len(m.Contents),
			Contents:      make([]ContentProgress, 0, len(m.Contents)),
		}
		for _, c := range m.Contents {
			content := ContentProgress{ContentID: c.ID, Type: c.Type}
			if rec := records[progress.NewContentKey(outline.CourseID, m.ID, c.ID)]; rec != nil {
				pos := rec.Position
				content.Position = &pos
				content.Completed = rec.Completed
				content.Version = rec.Version
				if rec.LastUpdated.After(cp.UpdatedAt) {
					cp.UpdatedAt = rec.LastUpdated
				}
			}
			if content.Completed {
				mp.CompletedContents++
			}
			mp.Contents = append(mp.Contents, content)
		}
		mp.Percent = percent(mp.CompletedContents, mp.TotalContents)
		mp.Completed = mp.TotalContents > 0 && mp.CompletedContents == mp.TotalContents
		if mp.Completed {
			cp.CompletedModules++
		}
		cp.Modules = append(cp.Modules, mp)
	}
	cp.OverallProgress = percent(cp.CompletedModules, cp.TotalModules)
	return cp
}
