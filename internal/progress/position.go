package progress

import (
	"fmt"
	"math"
)

// PositionKind how Position.Value is interpreted
type PositionKind string

// position kinds
const (
	KindSeconds PositionKind = "seconds" // playback offset
	KindPage    PositionKind = "page"    // zero based page index
	KindScroll  PositionKind = "scroll"  // scroll percentage, 0-100
)

// Position where the learner is inside a piece of content
type Position struct {
	Kind  PositionKind `json:"kind"`
	Value float64      `json:"value"`
}

// Seconds .
func Seconds(s float64) Position {
	return Position{Kind: KindSeconds, Value: s}
}

// Page .
func Page(n uint32) Position {
	return Position{Kind: KindPage, Value: float64(n)}
}

// ScrollPercent .
func ScrollPercent(p float32) Position {
	return Position{Kind: KindScroll, Value: float64(p)}
}

// Validate .
func (p Position) Validate() error {
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) || p.Value < 0 {
		return fmt.Errorf("%w: position %v out of range", ErrInvalidRecord, p.Value)
	}
	switch p.Kind {
	case KindSeconds:
	case KindPage:
		if p.Value != math.Trunc(p.Value) || p.Value > math.MaxUint32 {
			return fmt.Errorf("%w: page %v is not a page index", ErrInvalidRecord, p.Value)
		}
	case KindScroll:
		if p.Value > 100 {
			return fmt.Errorf("%w: scroll %v exceeds 100%%", ErrInvalidRecord, p.Value)
		}
	default:
		return fmt.Errorf("%w: unknown position kind %q", ErrInvalidRecord, p.Kind)
	}
	return nil
}

// ContentType type of a content item in the course outline
type ContentType string

// content types
const (
	ContentVideo   ContentType = "video"
	ContentAudio   ContentType = "audio"
	ContentPDF     ContentType = "pdf"
	ContentSlides  ContentType = "slides"
	ContentArticle ContentType = "article"
	ContentText    ContentType = "text"
	ContentQuiz    ContentType = "quiz"
)

// KindFor position kind used by content type ct
func KindFor(ct ContentType) (PositionKind, error) {
	switch ct {
	case ContentVideo, ContentAudio:
		return KindSeconds, nil
	case ContentPDF, ContentSlides:
		return KindPage, nil
	case ContentArticle, ContentText, ContentQuiz:
		return KindScroll, nil
	}
	return "", fmt.Errorf("%w: unknown content type %q", ErrInvalidRecord, ct)
}
