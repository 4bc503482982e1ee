package pairspace

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"golang.org/x/exp/maps"

	"pairspace.org/protocol"
)

type HostSettings struct {
	Transport       *TransportSettings
	Reconcile       *ReconcileSettings
	EditSync        *EditSyncSettings
	ShutdownTimeout time.Duration
}

func DefaultHostSettings() *HostSettings {
	return &HostSettings{
		Transport:       DefaultTransportSettings(),
		Reconcile:       DefaultReconcileSettings(),
		EditSync:        DefaultEditSyncSettings(),
		ShutdownTimeout: 5 * time.Second,
	}
}

type RosterFunction func(users []protocol.UserInfo, selfId string)
type UserJoinedFunction func(user protocol.UserInfo)
type UserLeftFunction func(userId string)
type CursorFunction func(userId string, update *protocol.CursorUpdate)

// Host owns the authoritative file tree and brokers every message. Each
// inbound non-administrative message from peer P updates host state where
// applicable and is re-broadcast to every peer except P. The host's own local
// events broadcast to all peers.
type Host struct {
	ctx    context.Context
	cancel context.CancelFunc

	selfId   string
	username string
	addr     string

	fs   afero.Fs
	root string

	presence   *Presence
	editSync   *EditSync
	reconciler *Reconciler

	peersMutex sync.Mutex
	peers      map[string]*Session

	// serializes broadcasts into one global commit order
	broadcastMutex sync.Mutex

	listener net.Listener
	server   *http.Server

	rosterCallbacks *CallbackList[RosterFunction]
	joinedCallbacks *CallbackList[UserJoinedFunction]
	leftCallbacks   *CallbackList[UserLeftFunction]
	cursorCallbacks *CallbackList[CursorFunction]

	settings *HostSettings
}

func NewHostWithDefaults(
	ctx context.Context,
	username string,
	addr string,
	fs afero.Fs,
	root string,
	editor EditorSurface,
) *Host {
	return NewHost(ctx, username, addr, fs, root, editor, DefaultHostSettings())
}

func NewHost(
	ctx context.Context,
	username string,
	addr string,
	fs afero.Fs,
	root string,
	editor EditorSurface,
	settings *HostSettings,
) *Host {
	cancelCtx, cancel := context.WithCancel(ctx)
	selfId := NewId().String()
	host := &Host{
		ctx:             cancelCtx,
		cancel:          cancel,
		selfId:          selfId,
		username:        username,
		addr:            addr,
		fs:              fs,
		root:            root,
		presence:        NewPresence(selfId, username),
		editSync:        NewEditSync(selfId, editor, settings.EditSync),
		peers:           map[string]*Session{},
		rosterCallbacks: NewCallbackList[RosterFunction](),
		joinedCallbacks: NewCallbackList[UserJoinedFunction](),
		leftCallbacks:   NewCallbackList[UserLeftFunction](),
		cursorCallbacks: NewCallbackList[CursorFunction](),
		settings:        settings,
	}
	// the host applies remote file operations through the same engine the
	// clients use, sharing one suppression set with the watch filter
	host.reconciler = NewReconciler(cancelCtx, fs, root, nil, settings.Reconcile)
	return host
}

func (self *Host) SelfId() string {
	return self.selfId
}

func (self *Host) Roster() []protocol.UserInfo {
	return self.presence.All()
}

// Addr is the bound listen address, available after Start.
func (self *Host) Addr() string {
	if self.listener == nil {
		return self.addr
	}
	return self.listener.Addr().String()
}

func (self *Host) AddRosterCallback(callback RosterFunction) func() {
	return self.rosterCallbacks.Add(callback)
}

func (self *Host) AddUserJoinedCallback(callback UserJoinedFunction) func() {
	return self.joinedCallbacks.Add(callback)
}

func (self *Host) AddUserLeftCallback(callback UserLeftFunction) func() {
	return self.leftCallbacks.Add(callback)
}

func (self *Host) AddCursorCallback(callback CursorFunction) func() {
	return self.cursorCallbacks.Add(callback)
}

// Start binds the listener and begins accepting peers. A bind failure is
// fatal to session start and reported before any peer state exists.
func (self *Host) Start() error {
	listener, err := net.Listen("tcp", self.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", self.addr, err)
	}
	self.listener = listener

	router := mux.NewRouter()
	router.HandleFunc("/ws", self.handleWs).Methods(http.MethodGet)
	router.HandleFunc("/status", self.handleStatus).Methods(http.MethodGet)

	self.server = &http.Server{
		Handler: router,
	}
	go func() {
		if err := self.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			glog.Infof("[h]serve error = %s\n", err)
		}
	}()
	go self.sweepLoop()

	glog.V(1).Infof("[h]listening %s\n", self.Addr())
	return nil
}

func (self *Host) Stop() {
	self.cancel()

	self.peersMutex.Lock()
	sessions := maps.Values(self.peers)
	self.peers = map[string]*Session{}
	self.peersMutex.Unlock()
	for _, session := range sessions {
		session.Close()
	}

	if self.server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), self.settings.ShutdownTimeout)
		defer shutdownCancel()
		self.server.Shutdown(shutdownCtx)
	}
}

func (self *Host) handleStatus(w http.ResponseWriter, r *http.Request) {
	// informational only, not part of the sync protocol
	status := map[string]any{
		"status": "ok",
		"users":  self.presence.Count(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (self *Host) handleWs(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[h]upgrade error = %s\n", err)
		return
	}

	// the first frame must be a join
	ws.SetReadDeadline(time.Now().Add(self.settings.Transport.JoinAckTimeout))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return
	}
	_, message, err := protocol.Decode(frame)
	if err != nil {
		glog.Infof("[h]drop bad join frame = %s\n", err)
		ws.Close()
		return
	}
	join, ok := message.(*protocol.Join)
	if !ok {
		glog.Infof("[h]expected join, got %T\n", message)
		ws.Close()
		return
	}

	roster, err := self.presence.Join(join.UserId, join.Username)
	if err != nil {
		// duplicate join or missing id. The peer is told, then dropped.
		errFrame, _ := protocol.Encode(self.selfId, &protocol.Error{Message: err.Error()})
		ws.SetWriteDeadline(time.Now().Add(self.settings.Transport.WriteTimeout))
		ws.WriteMessage(websocket.TextMessage, errFrame)
		ws.Close()
		glog.Infof("[h]join rejected %s = %s\n", join.UserId, err)
		return
	}

	session := NewSession(self.ctx, join.UserId, ws, nil, self.settings.Transport)
	self.peersMutex.Lock()
	self.peers[join.UserId] = session
	self.peersMutex.Unlock()

	glog.V(1).Infof("[h]join %s %s\n", join.UserId, join.Username)

	// roster snapshot to the joiner only
	session.Send(protocol.RequireEncode(self.selfId, &protocol.JoinAck{
		UserId: join.UserId,
		Users:  roster,
	}))

	// lightweight notice to everyone else
	if user, ok := self.presence.Get(join.UserId); ok {
		self.broadcast(protocol.RequireEncode(self.selfId, &protocol.UserJoined{User: user}), join.UserId)
		for _, callback := range self.joinedCallbacks.Get() {
			callback := callback
			handleCallback(func() {
				callback(user)
			})
		}
	}
	self.fireRoster()

	// the host manifest seeds the client's reconciliation pass
	if manifest, err := GenerateManifest(self.fs, self.root, self.settings.Reconcile); err == nil {
		session.Send(protocol.RequireEncode(self.selfId, &protocol.FileManifest{Files: manifest}))
	} else {
		glog.Infof("[h]manifest error = %s\n", err)
	}

	go self.servePeer(session)
}

func (self *Host) servePeer(session *Session) {
	for frame := range session.Receive() {
		self.dispatch(session, frame)
	}
	// connection gone, removal is atomic with teardown
	self.dropPeer(session.UserId())
}

// dropPeer tears down one peer's resources. The user_left broadcast happens
// at most once no matter how many paths observe the disconnect.
func (self *Host) dropPeer(userId string) {
	self.peersMutex.Lock()
	session, ok := self.peers[userId]
	if ok {
		delete(self.peers, userId)
	}
	self.peersMutex.Unlock()
	if !ok {
		return
	}
	session.Close()

	if user := self.presence.Leave(userId); user != nil {
		glog.V(1).Infof("[h]leave %s %s\n", userId, user.Username)
		self.broadcast(protocol.RequireEncode(self.selfId, &protocol.UserLeft{UserId: userId}), userId)
		for _, callback := range self.leftCallbacks.Get() {
			callback := callback
			handleCallback(func() {
				callback(userId)
			})
		}
		self.fireRoster()
	}
}

func (self *Host) dispatch(session *Session, frame []byte) {
	userId, message, err := protocol.Decode(frame)
	if err != nil {
		// a corrupt frame must not take down the session
		glog.Infof("[h]drop frame %s = %s\n", session.UserId(), err)
		return
	}
	if userId != session.UserId() {
		glog.Infof("[h]drop frame, user %s claims %s\n", session.UserId(), userId)
		return
	}

	switch v := message.(type) {
	case *protocol.Heartbeat:
		session.MarkAlive()
		glog.V(2).Infof("[h]heartbeat %s<-\n", userId)
	case *protocol.CursorUpdate:
		update := UserUpdate{
			Cursor:     v.Cursor,
			Selections: v.Selections,
		}
		if v.Path != "" {
			activeFile := v.Path
			update.ActiveFile = &activeFile
		}
		self.presence.Update(userId, update)
		self.broadcast(frame, userId)
		for _, callback := range self.cursorCallbacks.Get() {
			callback := callback
			handleCallback(func() {
				callback(userId, v)
			})
		}
	case *protocol.ActiveFileChange:
		activeFile := v.Path
		self.presence.Update(userId, UserUpdate{ActiveFile: &activeFile})
		self.broadcast(frame, userId)
		self.fireRoster()
	case *protocol.DocEdit:
		self.editSync.ApplyRemote(userId, v)
		self.broadcast(frame, userId)
	case *protocol.FileSave:
		if err := self.editSync.ApplySave(userId, v); err != nil {
			glog.Infof("[h]save %s = %s\n", v.Path, err)
		}
		self.broadcast(frame, userId)
	case *protocol.FileCreate:
		if err := self.reconciler.ApplyCreate(v); err != nil {
			glog.Infof("[h]create %s = %s\n", v.Path, err)
		}
		self.broadcast(frame, userId)
	case *protocol.FileDelete:
		if err := self.reconciler.ApplyDelete(v); err != nil {
			glog.Infof("[h]delete %s = %s\n", v.Path, err)
		}
		self.broadcast(frame, userId)
	case *protocol.FileRename:
		if err := self.reconciler.ApplyRename(v); err != nil {
			glog.Infof("[h]rename %s -> %s = %s\n", v.OldPath, v.NewPath, err)
		}
		self.broadcast(frame, userId)
	case *protocol.FileRequest:
		files := LoadFiles(self.fs, self.root, v.Paths, self.settings.Reconcile)
		session.Send(protocol.RequireEncode(self.selfId, &protocol.FileContent{Files: files}))
	case *protocol.Error:
		glog.Infof("[h]peer error %s = %s\n", userId, v.Message)
	default:
		glog.V(1).Infof("[h]drop %T %s<-\n", v, userId)
	}
}

// broadcast sends the frame to every peer except exceptUserId. The mutex
// spans the whole enqueue loop, which commits concurrent broadcasts from the
// peer read loops and the host's own local events in one global order, so
// every receiver observes the same relative frame order.
func (self *Host) broadcast(frame []byte, exceptUserId string) {
	self.broadcastMutex.Lock()
	defer self.broadcastMutex.Unlock()

	self.peersMutex.Lock()
	sessions := maps.Values(self.peers)
	self.peersMutex.Unlock()

	for _, session := range sessions {
		if session.UserId() == exceptUserId {
			continue
		}
		session.Send(frame)
	}
}

func (self *Host) fireRoster() {
	users := self.presence.All()
	for _, callback := range self.rosterCallbacks.Get() {
		callback := callback
		handleCallback(func() {
			callback(users, self.selfId)
		})
	}
}

func (self *Host) sweepLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.Transport.SweepInterval):
			self.sweep()
		}
	}
}

// sweep evicts every peer that did not heartbeat since the previous sweep,
// then clears the surviving peers' alive flags and pings them. A peer must
// heartbeat at least once per sweep interval or be evicted.
func (self *Host) sweep() {
	self.peersMutex.Lock()
	sessions := maps.Values(self.peers)
	self.peersMutex.Unlock()

	ping := protocol.RequireEncode(self.selfId, &protocol.Heartbeat{})
	for _, session := range sessions {
		if !session.TestAndClearAlive() {
			glog.Infof("[h]heartbeat timeout, evict %s\n", session.UserId())
			self.dropPeer(session.UserId())
			continue
		}
		session.Send(ping)
	}
}

// Local events from the host's own editor layer. These broadcast to all
// peers with no exception.

func (self *Host) LocalEdit(path string, changes []protocol.TextChange) {
	edit, ok := self.editSync.CaptureLocal(path, changes)
	if !ok {
		return
	}
	self.broadcast(protocol.RequireEncode(self.selfId, edit), "")
}

func (self *Host) LocalSave(path string) {
	self.broadcast(protocol.RequireEncode(self.selfId, &protocol.FileSave{Path: path}), "")
}

func (self *Host) LocalCursor(update *protocol.CursorUpdate) {
	userUpdate := UserUpdate{
		Cursor:     update.Cursor,
		Selections: update.Selections,
	}
	if update.Path != "" {
		activeFile := update.Path
		userUpdate.ActiveFile = &activeFile
	}
	self.presence.Update(self.selfId, userUpdate)
	self.broadcast(protocol.RequireEncode(self.selfId, update), "")
}

func (self *Host) LocalActiveFile(path string) {
	self.presence.Update(self.selfId, UserUpdate{ActiveFile: &path})
	self.broadcast(protocol.RequireEncode(self.selfId, &protocol.ActiveFileChange{Path: path}), "")
}

// LocalRename renames a file in the workspace and propagates the rename to
// every peer as a single operation, preserving the file's identity.
func (self *Host) LocalRename(oldPath string, newPath string) error {
	rename := &protocol.FileRename{
		OldPath: oldPath,
		NewPath: newPath,
	}
	if err := self.reconciler.ApplyRename(rename); err != nil {
		return err
	}
	self.broadcast(protocol.RequireEncode(self.selfId, rename), "")
	return nil
}

// HandleWatchEvent consumes one filesystem event from the watch layer.
// Self-caused events are recognized through the suppression set and dropped.
// Changed events are covered by the edit synchronizer's surface hook.
func (self *Host) HandleWatchEvent(event WatchEvent) {
	if self.reconciler.Suppressed(event.RelativePath) {
		glog.V(2).Infof("[h]suppressed watch %s %s\n", event.Kind, event.RelativePath)
		return
	}
	switch event.Kind {
	case WatchCreated:
		data, err := ReadFileData(self.fs, self.root, event.RelativePath, self.settings.Reconcile)
		if err != nil {
			glog.Infof("[h]watch read %s = %s\n", event.RelativePath, err)
			return
		}
		self.broadcast(protocol.RequireEncode(self.selfId, &protocol.FileCreate{
			Path:    data.Path,
			Content: data.Content,
			Binary:  data.Binary,
		}), "")
	case WatchDeleted:
		self.broadcast(protocol.RequireEncode(self.selfId, &protocol.FileDelete{
			Path: event.RelativePath,
		}), "")
	}
}
