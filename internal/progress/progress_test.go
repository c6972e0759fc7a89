package progress

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestContentKey(t *testing.T) {
	k := NewContentKey("go-101", "basics", "intro")
	if k.String() != "go-101/basics/intro" {
		t.Errorf("String = %s", k)
	}
	parsed, err := ParseContentKey(k.String())
	if err != nil || parsed != k {
		t.Errorf("ParseContentKey = %+v, %v", parsed, err)
	}

	for _, bad := range []string{"", "a/b", "a//c", "a/b/c/d"} {
		if _, err := ParseContentKey(bad); !errors.Is(err, ErrInvalidRecord) {
			t.Errorf("ParseContentKey(%q) error = %v", bad, err)
		}
	}
}

func TestPosition_Validate(t *testing.T) {
	tests := []struct {
		name string
		pos  Position
		ok   bool
	}{
		{"seconds", Seconds(95.5), true},
		{"page", Page(3), true},
		{"scroll", ScrollPercent(100), true},
		{"negative", Seconds(-1), false},
		{"fractional page", Position{Kind: KindPage, Value: 1.5}, false},
		{"scroll over 100", Position{Kind: KindScroll, Value: 101}, false},
		{"unknown kind", Position{Kind: "frames", Value: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pos.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v", err)
			}
		})
	}
}

func TestKindFor(t *testing.T) {
	for ct, want := range map[ContentType]PositionKind{
		ContentVideo:   KindSeconds,
		ContentAudio:   KindSeconds,
		ContentPDF:     KindPage,
		ContentSlides:  KindPage,
		ContentArticle: KindScroll,
		ContentQuiz:    KindScroll,
	} {
		if got, err := KindFor(ct); err != nil || got != want {
			t.Errorf("KindFor(%s) = %s, %v", ct, got, err)
		}
	}
	if _, err := KindFor("hologram"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func record(version int64, at int64, pos float64, completed bool) *Record {
	return &Record{
		Key:         NewContentKey("c", "m", "x"),
		Position:    Seconds(pos),
		Completed:   completed,
		LastUpdated: time.UnixMilli(at),
		Version:     version,
	}
}

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		a, b      *Record
		wantPos   float64
		wantVer   int64
		completed bool
	}{
		{"higher version wins", record(2, 100, 10, false), record(3, 50, 5, false), 5, 3, false},
		{"tie on version later timestamp wins", record(1, 100, 10, false), record(1, 200, 5, false), 5, 1, false},
		{"full tie greater position", record(1, 100, 10, false), record(1, 100, 20, false), 20, 1, false},
		{"completed is sticky", record(5, 500, 50, false), record(1, 100, 10, true), 50, 5, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, pair := range [][2]*Record{{tt.a, tt.b}, {tt.b, tt.a}} {
				got := Resolve(pair[0], pair[1])
				if got.Position.Value != tt.wantPos || got.Version != tt.wantVer || got.Completed != tt.completed {
					t.Errorf("Resolve = %+v", got)
				}
			}
		})
	}
}

func TestResolve_NilAndNoAliasing(t *testing.T) {
	if Resolve(nil, nil) != nil {
		t.Error("expected nil")
	}
	a := record(1, 1, 1, false)
	got := Resolve(a, nil)
	if !got.Equal(a) || got == a {
		t.Error("expected an equal copy")
	}
	got.Completed = true
	if a.Completed {
		t.Error("argument was modified")
	}
}

// once a write is completed no later merge may clear it
func TestResolve_StickyOverSequences(t *testing.T) {
	var current *Record
	seenCompleted := false
	for i := 0; i < 50; i++ {
		completed := i%7 == 3
		seenCompleted = seenCompleted || completed
		incoming := record(int64(i%4), int64(1000-i*13), float64(i), completed)
		current = Resolve(current, incoming)
		if seenCompleted && !current.Completed {
			t.Fatalf("step %d reverted completed: %s", i, fmt.Sprint(current))
		}
	}
}

func TestRecord_Validate(t *testing.T) {
	r := record(0, 1, 3, false)
	if err := r.Validate(); err != nil {
		t.Fatal(err)
	}
	r.Key.ModuleID = ""
	if !errors.Is(r.Validate(), ErrInvalidRecord) {
		t.Error("expected invalid record")
	}
}

func TestIsRetryable(t *testing.T) {
	for err, want := range map[error]bool{
		nil:                                 false,
		ErrNetwork:                          true,
		fmt.Errorf("write: %w", ErrConflict): true,
		ErrServer:                           true,
		fmt.Errorf("read: %w", ErrAuth):     false,
		ErrInvalidRecord:                    false,
	} {
		if got := IsRetryable(err); got != want {
			t.Errorf("IsRetryable(%v) = %v", err, got)
		}
	}
}

func TestInteractionEvent_Validate(t *testing.T) {
	e := &InteractionEvent{ID: "1", Key: NewContentKey("c", "m", "x"), Type: "seek", Data: []byte(`{"to":12}`)}
	if err := e.Validate(); err != nil {
		t.Fatal(err)
	}
	e.Data = []byte(`{`)
	if e.Validate() == nil {
		t.Error("expected invalid data")
	}
}
