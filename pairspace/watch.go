package pairspace

// The os watch layer is outside the core. Only the event shape is consumed;
// the coordinator filters self-caused events through the suppression set and
// originates file create/delete messages for the rest. Changed events are
// covered by the edit synchronizer's hook on the editing surface.

type WatchKind string

const (
	WatchCreated WatchKind = "created"
	WatchChanged WatchKind = "changed"
	WatchDeleted WatchKind = "deleted"
)

type WatchEvent struct {
	Kind         WatchKind
	RelativePath string
	AbsolutePath string
}
