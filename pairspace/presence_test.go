package pairspace

import (
	"fmt"
	"sync"
	"testing"

	"github.com/go-playground/assert/v2"

	"pairspace.org/protocol"
)

func TestPresenceJoinLeave(t *testing.T) {
	presence := NewPresence("h1", "host")
	assert.Equal(t, presence.Count(), 1)

	roster, err := presence.Join("u1", "ada")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(roster), 2)
	// local entry first
	assert.Equal(t, roster[0].UserId, "h1")
	assert.Equal(t, roster[1].UserId, "u1")

	// a user id is unique within the session
	_, err = presence.Join("u1", "ada2")
	assert.NotEqual(t, err, nil)
	assert.Equal(t, presence.Count(), 2)

	_, err = presence.Join("", "anon")
	assert.NotEqual(t, err, nil)

	left := presence.Leave("u1")
	assert.NotEqual(t, left, nil)
	assert.Equal(t, left.Username, "ada")
	assert.Equal(t, presence.Count(), 1)

	// second leave is a no-op
	assert.Equal(t, presence.Leave("u1"), nil)
}

func TestPresenceColorAssignment(t *testing.T) {
	presence := NewPresence("h1", "host")
	host, _ := presence.Get("h1")
	assert.Equal(t, host.Color, ColorPalette[0])

	// colors advance monotonically mod palette size
	for i := 1; i < 2*len(ColorPalette); i += 1 {
		userId := fmt.Sprintf("u%d", i)
		_, err := presence.Join(userId, userId)
		assert.Equal(t, err, nil)
		user, ok := presence.Get(userId)
		assert.Equal(t, ok, true)
		assert.Equal(t, user.Color, ColorPalette[i%len(ColorPalette)])
	}

	// the first palette-size users all hold distinct colors
	users := presence.All()
	seen := map[string]bool{}
	for _, user := range users[0:len(ColorPalette)] {
		assert.Equal(t, seen[user.Color], false)
		seen[user.Color] = true
	}
}

func TestPresenceConcurrentJoin(t *testing.T) {
	presence := NewPresence("h1", "host")

	n := 32
	var wg sync.WaitGroup
	for i := 0; i < n; i += 1 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := presence.Join(fmt.Sprintf("u%d", i), "user")
			assert.Equal(t, err, nil)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, presence.Count(), n+1)

	// color assignment and insert are one atomic step, so no color is
	// over-assigned even under concurrent joins
	counts := map[string]int{}
	for _, user := range presence.All() {
		counts[user.Color] += 1
	}
	maxPerColor := (n + 1 + len(ColorPalette) - 1) / len(ColorPalette)
	for _, count := range counts {
		assert.Equal(t, count <= maxPerColor, true)
	}
}

func TestPresenceUpdate(t *testing.T) {
	presence := NewPresence("h1", "host")
	presence.Join("u1", "ada")

	activeFile := "main.go"
	ok := presence.Update("u1", UserUpdate{ActiveFile: &activeFile})
	assert.Equal(t, ok, true)

	user, _ := presence.Get("u1")
	assert.Equal(t, user.ActiveFile, "main.go")
	// unset fields are untouched
	assert.Equal(t, user.Username, "ada")

	assert.Equal(t, presence.Update("nope", UserUpdate{}), false)
}

func TestPresenceReplace(t *testing.T) {
	presence := NewPresence("u9", "me")
	presence.Replace(roster("h1", "u9", "u2"))
	assert.Equal(t, presence.Count(), 3)

	// self first even when the snapshot ordered it differently
	all := presence.All()
	assert.Equal(t, all[0].UserId, "u9")
}

func roster(userIds ...string) []protocol.UserInfo {
	users := []protocol.UserInfo{}
	for _, userId := range userIds {
		users = append(users, protocol.UserInfo{UserId: userId, Username: userId})
	}
	return users
}
