package pairspace

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// event fan-out with a fixed registration surface instead of ad hoc emitters.
// all callbacks are wrapped to recover from panics so one bad listener cannot
// take down the session loop.

type callbackId int

type CallbackList[T any] struct {
	mutex      sync.Mutex
	nextId     callbackId
	callbacks  map[callbackId]T
	orderedIds []callbackId
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[callbackId]T{},
	}
}

// returns a function that removes the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	id := self.nextId
	self.nextId += 1
	self.callbacks[id] = callback
	self.orderedIds = append(self.orderedIds, id)
	return func() {
		self.remove(id)
	}
}

func (self *CallbackList[T]) remove(id callbackId) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	delete(self.callbacks, id)
	i := slices.Index(self.orderedIds, id)
	if 0 <= i {
		self.orderedIds = slices.Delete(slices.Clone(self.orderedIds), i, i+1)
	}
}

// snapshot in registration order
func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbacks))
	for _, id := range self.orderedIds {
		if callback, ok := self.callbacks[id]; ok {
			callbacks = append(callbacks, callback)
		}
	}
	return callbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbacks)
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	maps.Clear(self.callbacks)
	self.orderedIds = nil
}

func handleCallback(callback func()) {
	defer func() {
		recover()
	}()
	callback()
}
