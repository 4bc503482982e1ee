package pairspace

import (
	"sync"
	"time"
)

// suppressSet marks paths whose next filesystem event is self-caused by the
// sync pipeline and must not be re-broadcast. Entries expire on their own
// because the matching event may never fire, e.g. a write that leaves the
// content unchanged.
type suppressSet struct {
	mutex  sync.Mutex
	ttl    time.Duration
	expiry map[string]time.Time
}

func newSuppressSet(ttl time.Duration) *suppressSet {
	return &suppressSet{
		ttl:    ttl,
		expiry: map[string]time.Time{},
	}
}

func (self *suppressSet) add(path string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.expiry[path] = time.Now().Add(self.ttl)
}

// active reports whether the path is currently suppressed, pruning expired
// entries as a side effect.
func (self *suppressSet) active(path string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	now := time.Now()
	expiry, ok := self.expiry[path]
	if !ok {
		return false
	}
	if expiry.Before(now) {
		delete(self.expiry, path)
		return false
	}
	return true
}

func (self *suppressSet) size() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	now := time.Now()
	for path, expiry := range self.expiry {
		if expiry.Before(now) {
			delete(self.expiry, path)
		}
	}
	return len(self.expiry)
}
