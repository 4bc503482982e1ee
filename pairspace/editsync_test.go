package pairspace

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"pairspace.org/protocol"
)

func TestApplyTextChanges(t *testing.T) {
	// each change applies against the buffer left by the previous one
	content, err := ApplyTextChanges("hello world", []protocol.TextChange{
		{StartLine: 0, StartChar: 0, EndLine: 0, EndChar: 5, Text: "goodbye"},
		{StartLine: 0, StartChar: 8, EndLine: 0, EndChar: 13, Text: "moon"},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, content, "goodbye moon")

	// multi line range
	content, err = ApplyTextChanges("one\ntwo\nthree\n", []protocol.TextChange{
		{StartLine: 0, StartChar: 3, EndLine: 2, EndChar: 0, Text: " "},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, content, "one three\n")

	// flat offset/length form
	offset := 3
	length := 4
	content, err = ApplyTextChanges("one two three", []protocol.TextChange{
		{Text: "", Offset: &offset, Length: &length},
	})
	assert.Equal(t, err, nil)
	assert.Equal(t, content, "one three")

	// out of range positions are errors, not panics
	_, err = ApplyTextChanges("short", []protocol.TextChange{
		{StartLine: 3, StartChar: 0, EndLine: 3, EndChar: 0, Text: "x"},
	})
	assert.NotEqual(t, err, nil)

	_, err = ApplyTextChanges("short", []protocol.TextChange{
		{StartLine: 0, StartChar: 0, EndLine: 0, EndChar: 99, Text: "x"},
	})
	assert.NotEqual(t, err, nil)
}

func TestBufferSurface(t *testing.T) {
	persisted := map[string]string{}
	surface := NewBufferSurface(func(path string, content string) error {
		persisted[path] = content
		return nil
	})

	// applying to a document that is not open is an application error
	err := surface.ApplyChanges("x.py", []protocol.TextChange{{Text: "hi"}})
	assert.NotEqual(t, err, nil)

	surface.Open("x.py", "")
	err = surface.ApplyChanges("x.py", []protocol.TextChange{
		{StartLine: 0, StartChar: 0, EndLine: 0, EndChar: 0, Text: "hi"},
	})
	assert.Equal(t, err, nil)
	content, ok := surface.Content("x.py")
	assert.Equal(t, ok, true)
	assert.Equal(t, content, "hi")

	// save persists only dirty buffers
	assert.Equal(t, surface.SaveIfDirty("x.py"), nil)
	assert.Equal(t, persisted["x.py"], "hi")
	delete(persisted, "x.py")
	assert.Equal(t, surface.SaveIfDirty("x.py"), nil)
	_, resaved := persisted["x.py"]
	assert.Equal(t, resaved, false)
}

func TestSelfEchoSuppression(t *testing.T) {
	surface := NewBufferSurface(nil)
	surface.Open("x.py", "base")
	editSync := NewEditSync("me", surface, DefaultEditSyncSettings())

	// a doc edit tagged with the local identity performs no mutation
	err := editSync.ApplyRemote("me", &protocol.DocEdit{
		Path:    "x.py",
		Version: 1,
		Changes: []protocol.TextChange{{StartLine: 0, StartChar: 0, EndLine: 0, EndChar: 4, Text: "nope"}},
	})
	assert.Equal(t, err, nil)
	content, _ := surface.Content("x.py")
	assert.Equal(t, content, "base")
	assert.Equal(t, editSync.GuardActive(), false)
}

func TestRemoteApplyScenario(t *testing.T) {
	// peer A's edit lands in peer B's buffer
	surface := NewBufferSurface(nil)
	surface.Open("x.py", "print(1)\n")
	editSync := NewEditSync("B", surface, DefaultEditSyncSettings())

	err := editSync.ApplyRemote("A", &protocol.DocEdit{
		Path:    "x.py",
		Version: 1,
		Changes: []protocol.TextChange{{StartLine: 0, StartChar: 0, EndLine: 0, EndChar: 0, Text: "hi"}},
	})
	assert.Equal(t, err, nil)
	content, _ := surface.Content("x.py")
	assert.Equal(t, content, "hiprint(1)\n")
}

func TestFeedbackLoopGuard(t *testing.T) {
	surface := NewBufferSurface(nil)
	surface.Open("x.py", "")
	settings := &EditSyncSettings{
		GuardGraceDelay: 50 * time.Millisecond,
	}
	editSync := NewEditSync("B", surface, settings)

	err := editSync.ApplyRemote("A", &protocol.DocEdit{
		Path:    "x.py",
		Version: 1,
		Changes: []protocol.TextChange{{Text: "hi"}},
	})
	assert.Equal(t, err, nil)

	// the surface's change notification echoing the remote apply is
	// suppressed while the guard holds
	assert.Equal(t, editSync.GuardActive(), true)
	_, captured := editSync.CaptureLocal("x.py", []protocol.TextChange{{Text: "hi"}})
	assert.Equal(t, captured, false)

	// the guard is released a grace delay after the apply completes
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, editSync.GuardActive(), false)

	// a genuine human edit after the guard clears produces exactly one edit
	edit, captured := editSync.CaptureLocal("x.py", []protocol.TextChange{{Text: "!"}})
	assert.Equal(t, captured, true)
	assert.Equal(t, edit.Version, int64(1))
	assert.Equal(t, edit.Path, "x.py")
}

func TestLocalVersionCounter(t *testing.T) {
	surface := NewBufferSurface(nil)
	editSync := NewEditSync("me", surface, DefaultEditSyncSettings())

	for i := int64(1); i <= 3; i += 1 {
		edit, ok := editSync.CaptureLocal("x.py", nil)
		assert.Equal(t, ok, true)
		assert.Equal(t, edit.Version, i)
	}
	// counters are per path
	edit, _ := editSync.CaptureLocal("y.py", nil)
	assert.Equal(t, edit.Version, int64(1))
	assert.Equal(t, editSync.Version("x.py"), int64(3))
}

func TestApplySave(t *testing.T) {
	persisted := map[string]string{}
	surface := NewBufferSurface(func(path string, content string) error {
		persisted[path] = content
		return nil
	})
	surface.Open("x.py", "")
	surface.ApplyChanges("x.py", []protocol.TextChange{{Text: "data"}})

	editSync := NewEditSync("me", surface, DefaultEditSyncSettings())

	// own save echo is a no-op
	assert.Equal(t, editSync.ApplySave("me", &protocol.FileSave{Path: "x.py"}), nil)
	_, saved := persisted["x.py"]
	assert.Equal(t, saved, false)

	// a remote save persists the dirty buffer
	assert.Equal(t, editSync.ApplySave("A", &protocol.FileSave{Path: "x.py"}), nil)
	assert.Equal(t, persisted["x.py"], "data")
}
