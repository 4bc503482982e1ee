package pairspace

import (
	"fmt"
	"sync"

	"pairspace.org/protocol"
)

// ColorPalette is the fixed set of presence colors. Assignment advances a
// monotonic index mod the palette size, so a live user's color is only ever
// reused once the palette is exhausted.
var ColorPalette = []string{
	"crimson",
	"teal",
	"gold",
	"violet",
	"emerald",
	"coral",
	"azure",
	"magenta",
}

// Presence is the table of connected users. On the host it is authoritative;
// on a client it is a cache seeded by the join ack. All access is serialized
// here because session read loops run on their own goroutines.
type Presence struct {
	mutex sync.Mutex

	selfId string

	users map[string]*protocol.UserInfo
	// join order, self first
	order      []string
	colorIndex int
}

func NewPresence(selfId string, selfName string) *Presence {
	presence := &Presence{
		selfId: selfId,
		users:  map[string]*protocol.UserInfo{},
	}
	// the registry always contains the local entry
	presence.users[selfId] = &protocol.UserInfo{
		UserId:   selfId,
		Username: selfName,
		Color:    ColorPalette[0],
	}
	presence.order = append(presence.order, selfId)
	presence.colorIndex = 1
	return presence
}

func (self *Presence) SelfId() string {
	return self.selfId
}

// Join assigns the next palette color and inserts the user as one atomic
// step, then returns the full roster snapshot.
func (self *Presence) Join(userId string, username string) ([]protocol.UserInfo, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if userId == "" {
		return nil, fmt.Errorf("join without user id")
	}
	if _, ok := self.users[userId]; ok {
		return nil, fmt.Errorf("duplicate join for user %s", userId)
	}

	self.users[userId] = &protocol.UserInfo{
		UserId:   userId,
		Username: username,
		Color:    ColorPalette[self.colorIndex%len(ColorPalette)],
	}
	self.colorIndex += 1
	self.order = append(self.order, userId)
	return self.all(), nil
}

// Leave removes the user and returns the removed entry, or nil when absent.
func (self *Presence) Leave(userId string) *protocol.UserInfo {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	user, ok := self.users[userId]
	if !ok {
		return nil
	}
	delete(self.users, userId)
	for i, orderedId := range self.order {
		if orderedId == userId {
			self.order = append(self.order[0:i], self.order[i+1:]...)
			break
		}
	}
	return user
}

// UserUpdate merges into an existing entry. Nil fields are left untouched.
type UserUpdate struct {
	ActiveFile *string
	Cursor     *protocol.Position
	Selections []protocol.Selection
}

func (self *Presence) Update(userId string, update UserUpdate) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	user, ok := self.users[userId]
	if !ok {
		return false
	}
	if update.ActiveFile != nil {
		user.ActiveFile = *update.ActiveFile
	}
	if update.Cursor != nil {
		user.Cursor = update.Cursor
	}
	if update.Selections != nil {
		user.Selections = update.Selections
	}
	return true
}

func (self *Presence) Get(userId string) (protocol.UserInfo, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	user, ok := self.users[userId]
	if !ok {
		return protocol.UserInfo{}, false
	}
	return *user, true
}

// All returns a copy of the roster, the local entry first, the rest in join
// order, for deterministic display.
func (self *Presence) All() []protocol.UserInfo {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.all()
}

func (self *Presence) all() []protocol.UserInfo {
	users := make([]protocol.UserInfo, 0, len(self.users))
	if selfUser, ok := self.users[self.selfId]; ok {
		users = append(users, *selfUser)
	}
	for _, userId := range self.order {
		if userId == self.selfId {
			continue
		}
		if user, ok := self.users[userId]; ok {
			users = append(users, *user)
		}
	}
	return users
}

func (self *Presence) Count() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.users)
}

// Replace reseeds the roster from a snapshot. Used on the client when the
// join ack arrives and on reconnect.
func (self *Presence) Replace(users []protocol.UserInfo) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.users = map[string]*protocol.UserInfo{}
	self.order = nil
	for i := range users {
		user := users[i]
		self.users[user.UserId] = &user
		self.order = append(self.order, user.UserId)
	}
}

// Insert adds a mirrored entry with a host-assigned color. Client side only.
func (self *Presence) Insert(user protocol.UserInfo) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.users[user.UserId]; !ok {
		self.order = append(self.order, user.UserId)
	}
	self.users[user.UserId] = &user
}
