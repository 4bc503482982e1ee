package pairspace

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"pairspace.org/protocol"
)

// EditorSurface is the editing layer the core drives. Implementations apply
// ordered range replacements to a named buffer and persist a dirty buffer on
// request. The surface may report the resulting change back through its own
// local-change hook, possibly asynchronously; the synchronizer's re-entrancy
// guard absorbs that echo.
type EditorSurface interface {
	ApplyChanges(path string, changes []protocol.TextChange) error
	SaveIfDirty(path string) error
}

// ApplyTextChanges applies an ordered change batch to a buffer. Every change
// is applied against the buffer state left by the previous change in the same
// batch. A change uses the flat offset/length form when present, the
// line/char range otherwise.
func ApplyTextChanges(content string, changes []protocol.TextChange) (string, error) {
	for _, change := range changes {
		var start int
		var end int
		if change.Offset != nil {
			start = *change.Offset
			end = start
			if change.Length != nil {
				end = start + *change.Length
			}
		} else {
			var err error
			start, err = offsetAt(content, change.StartLine, change.StartChar)
			if err != nil {
				return content, err
			}
			end, err = offsetAt(content, change.EndLine, change.EndChar)
			if err != nil {
				return content, err
			}
		}
		if start < 0 || end < start || len(content) < end {
			return content, fmt.Errorf("change range [%d,%d) out of bounds", start, end)
		}
		content = content[0:start] + change.Text + content[end:]
	}
	return content, nil
}

func offsetAt(content string, line int, char int) (int, error) {
	if line < 0 || char < 0 {
		return 0, fmt.Errorf("negative position %d:%d", line, char)
	}
	offset := 0
	for l := 0; l < line; l += 1 {
		i := strings.IndexByte(content[offset:], '\n')
		if i < 0 {
			return 0, fmt.Errorf("line %d out of range", line)
		}
		offset += i + 1
	}
	lineLen := len(content) - offset
	if i := strings.IndexByte(content[offset:], '\n'); 0 <= i {
		lineLen = i
	}
	if lineLen < char {
		return 0, fmt.Errorf("char %d out of range on line %d", char, line)
	}
	return offset + char, nil
}

// BufferSurface is an in-memory EditorSurface over named text buffers. It
// backs the ctl client and the tests; editor integrations supply their own.
type BufferSurface struct {
	mutex sync.Mutex

	buffers map[string]string
	dirty   map[string]bool

	// invoked with the buffer content on save, nil to keep saves in memory
	persist func(path string, content string) error
}

func NewBufferSurface(persist func(path string, content string) error) *BufferSurface {
	return &BufferSurface{
		buffers: map[string]string{},
		dirty:   map[string]bool{},
		persist: persist,
	}
}

func (self *BufferSurface) Open(path string, content string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.buffers[path] = content
	self.dirty[path] = false
}

func (self *BufferSurface) Close(path string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.buffers, path)
	delete(self.dirty, path)
}

func (self *BufferSurface) Content(path string) (string, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	content, ok := self.buffers[path]
	return content, ok
}

func (self *BufferSurface) ApplyChanges(path string, changes []protocol.TextChange) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	content, ok := self.buffers[path]
	if !ok {
		return fmt.Errorf("document not open: %s", path)
	}
	next, err := ApplyTextChanges(content, changes)
	if err != nil {
		return err
	}
	self.buffers[path] = next
	self.dirty[path] = true
	return nil
}

func (self *BufferSurface) SaveIfDirty(path string) error {
	self.mutex.Lock()
	content, ok := self.buffers[path]
	isDirty := self.dirty[path]
	if ok && isDirty {
		self.dirty[path] = false
	}
	persist := self.persist
	self.mutex.Unlock()

	if !ok || !isDirty || persist == nil {
		return nil
	}
	return persist(path, content)
}

type EditSyncSettings struct {
	// the guard is held this long past a remote apply completing, to absorb
	// change notifications the surface delivers asynchronously
	GuardGraceDelay time.Duration
}

func DefaultEditSyncSettings() *EditSyncSettings {
	return &EditSyncSettings{
		GuardGraceDelay: 50 * time.Millisecond,
	}
}

// EditSync converts local buffer mutations into doc_edit batches and applies
// remote batches back into local buffers. Two loop-prevention layers:
// messages tagged with the local identity are a no-op on receipt (self-echo),
// and local captures are suppressed while the re-entrancy guard is active
// (feedback loop through the surface's change hook).
type EditSync struct {
	selfId string
	editor EditorSurface

	mutex sync.Mutex
	// local per-path edit counter, carried on the wire
	versions map[string]int64
	// last version seen per path|peer, staleness logging only. Delivery
	// order is the commit order; versions never reject or reorder.
	remoteVersions map[string]int64
	guardCount     int

	settings *EditSyncSettings
}

func NewEditSync(selfId string, editor EditorSurface, settings *EditSyncSettings) *EditSync {
	return &EditSync{
		selfId:         selfId,
		editor:         editor,
		versions:       map[string]int64{},
		remoteVersions: map[string]int64{},
		settings:       settings,
	}
}

// ApplyRemote applies a remote edit batch under the re-entrancy guard.
// A batch tagged with the local identity performs no mutation.
func (self *EditSync) ApplyRemote(userId string, edit *protocol.DocEdit) error {
	if userId == self.selfId {
		glog.V(2).Infof("[e]self echo %s\n", edit.Path)
		return nil
	}

	remoteKey := edit.Path + "|" + userId
	self.mutex.Lock()
	if last, ok := self.remoteVersions[remoteKey]; ok && edit.Version != last+1 {
		glog.V(1).Infof("[e]version gap %s %s %d -> %d\n", userId, edit.Path, last, edit.Version)
	}
	self.remoteVersions[remoteKey] = edit.Version
	self.guardCount += 1
	self.mutex.Unlock()

	err := self.editor.ApplyChanges(edit.Path, edit.Changes)

	// the surface may deliver its change notification after ApplyChanges
	// returns, so the guard is released only past a grace delay
	time.AfterFunc(self.settings.GuardGraceDelay, func() {
		self.mutex.Lock()
		self.guardCount -= 1
		self.mutex.Unlock()
	})

	if err != nil {
		// application error, the session continues
		glog.Infof("[e]apply %s %s = %s\n", userId, edit.Path, err)
		return err
	}
	glog.V(2).Infof("[e]apply %s %s v%d\n", userId, edit.Path, edit.Version)
	return nil
}

// ApplySave persists the named buffer if it has unsaved changes. Saves are
// distinct from edits on the wire.
func (self *EditSync) ApplySave(userId string, save *protocol.FileSave) error {
	if userId == self.selfId {
		return nil
	}
	return self.editor.SaveIfDirty(save.Path)
}

// CaptureLocal turns a local change notification into an outbound doc_edit.
// It returns false while the re-entrancy guard is active, which recognizes
// the notification as the echo of a remote apply.
func (self *EditSync) CaptureLocal(path string, changes []protocol.TextChange) (*protocol.DocEdit, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if 0 < self.guardCount {
		glog.V(2).Infof("[e]guard suppress %s\n", path)
		return nil, false
	}
	self.versions[path] += 1
	return &protocol.DocEdit{
		Path:    path,
		Version: self.versions[path],
		Changes: changes,
	}, true
}

func (self *EditSync) GuardActive() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return 0 < self.guardCount
}

func (self *EditSync) Version(path string) int64 {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.versions[path]
}
