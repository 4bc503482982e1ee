package pairspace

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/spf13/afero"

	"pairspace.org/protocol"
)

type ClientSettings struct {
	Transport *TransportSettings
	Reconcile *ReconcileSettings
	EditSync  *EditSyncSettings
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		Transport: DefaultTransportSettings(),
		Reconcile: DefaultReconcileSettings(),
		EditSync:  DefaultEditSyncSettings(),
	}
}

// terminal disconnect, after the bounded reconnect attempts are exhausted
type DisconnectFunction func(err error)

// Client mirrors one host's workspace. All outbound messages go only to the
// host; incoming messages update the local cache and are not relayed further.
// On connection loss a bounded exponential backoff reconnect runs; exhausting
// it surfaces a terminal disconnect.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	selfId   string
	username string
	hostUrl  string

	fs   afero.Fs
	root string

	editor   EditorSurface
	presence *Presence
	editSync *EditSync

	sessionMutex sync.Mutex
	session      *Session
	reconciler   *Reconciler

	rosterCallbacks       *CallbackList[RosterFunction]
	joinedCallbacks       *CallbackList[UserJoinedFunction]
	leftCallbacks         *CallbackList[UserLeftFunction]
	cursorCallbacks       *CallbackList[CursorFunction]
	syncCompleteCallbacks *CallbackList[SyncCompleteFunction]
	disconnectCallbacks   *CallbackList[DisconnectFunction]

	settings *ClientSettings
}

func NewClientWithDefaults(
	ctx context.Context,
	username string,
	hostUrl string,
	fs afero.Fs,
	root string,
	editor EditorSurface,
) *Client {
	return NewClient(ctx, username, hostUrl, fs, root, editor, DefaultClientSettings())
}

func NewClient(
	ctx context.Context,
	username string,
	hostUrl string,
	fs afero.Fs,
	root string,
	editor EditorSurface,
	settings *ClientSettings,
) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	selfId := NewId().String()
	client := &Client{
		ctx:                   cancelCtx,
		cancel:                cancel,
		selfId:                selfId,
		username:              username,
		hostUrl:               hostUrl,
		fs:                    fs,
		root:                  root,
		editor:                editor,
		presence:              NewPresence(selfId, username),
		editSync:              NewEditSync(selfId, editor, settings.EditSync),
		rosterCallbacks:       NewCallbackList[RosterFunction](),
		joinedCallbacks:       NewCallbackList[UserJoinedFunction](),
		leftCallbacks:         NewCallbackList[UserLeftFunction](),
		cursorCallbacks:       NewCallbackList[CursorFunction](),
		syncCompleteCallbacks: NewCallbackList[SyncCompleteFunction](),
		disconnectCallbacks:   NewCallbackList[DisconnectFunction](),
		settings:              settings,
	}
	go client.run()
	return client
}

func (self *Client) SelfId() string {
	return self.selfId
}

func (self *Client) Roster() []protocol.UserInfo {
	return self.presence.All()
}

func (self *Client) AddRosterCallback(callback RosterFunction) func() {
	return self.rosterCallbacks.Add(callback)
}

func (self *Client) AddUserJoinedCallback(callback UserJoinedFunction) func() {
	return self.joinedCallbacks.Add(callback)
}

func (self *Client) AddUserLeftCallback(callback UserLeftFunction) func() {
	return self.leftCallbacks.Add(callback)
}

func (self *Client) AddCursorCallback(callback CursorFunction) func() {
	return self.cursorCallbacks.Add(callback)
}

func (self *Client) AddSyncCompleteCallback(callback SyncCompleteFunction) func() {
	return self.syncCompleteCallbacks.Add(callback)
}

func (self *Client) AddDisconnectCallback(callback DisconnectFunction) func() {
	return self.disconnectCallbacks.Add(callback)
}

func (self *Client) Close() {
	self.cancel()
	self.sessionMutex.Lock()
	session := self.session
	self.sessionMutex.Unlock()
	if session != nil {
		session.Close()
	}
}

// WsUrl normalizes a host url to the websocket endpoint.
func WsUrl(hostUrl string) (string, error) {
	if !strings.Contains(hostUrl, "://") {
		hostUrl = "ws://" + hostUrl
	}
	u, err := url.Parse(hostUrl)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}

func (self *Client) run() {
	defer self.cancel()

	b := NewReconnectBackOff(self.settings.Transport)
	retries := 0
	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		session, err := self.connect()
		if err != nil {
			glog.Infof("[c]connect error = %s\n", err)
			if self.settings.Transport.MaxReconnectAttempts <= retries {
				// give up, terminal
				glog.Infof("[c]reconnect attempts exhausted\n")
				self.fireDisconnect(fmt.Errorf("reconnect attempts exhausted: %w", err))
				return
			}
			retries += 1
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(b.NextBackOff()):
			}
			continue
		}

		// a successful reconnect resets the attempt counter
		retries = 0
		b.Reset()

		self.serve(session)

		select {
		case <-self.ctx.Done():
			return
		default:
			glog.V(1).Infof("[c]disconnected, reconnecting\n")
		}
	}
}

func (self *Client) connect() (*Session, error) {
	wsUrl, err := WsUrl(self.hostUrl)
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.Transport.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(self.ctx, wsUrl, nil)
	if err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	joinFrame, err := protocol.Encode(self.selfId, &protocol.Join{
		UserId:   self.selfId,
		Username: self.username,
	})
	if err != nil {
		return nil, err
	}
	ws.SetWriteDeadline(time.Now().Add(self.settings.Transport.WriteTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, joinFrame); err != nil {
		return nil, err
	}

	// the ack with the roster snapshot must arrive before anything else
	ws.SetReadDeadline(time.Now().Add(self.settings.Transport.JoinAckTimeout))
	_, frame, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	_, message, err := protocol.Decode(frame)
	if err != nil {
		return nil, err
	}
	switch v := message.(type) {
	case *protocol.JoinAck:
		self.presence.Replace(v.Users)
	case *protocol.Error:
		return nil, fmt.Errorf("join rejected: %s", v.Message)
	default:
		return nil, fmt.Errorf("expected join ack, got %T", v)
	}

	heartbeatFrame, err := protocol.Encode(self.selfId, &protocol.Heartbeat{})
	if err != nil {
		return nil, err
	}
	session := NewSession(self.ctx, self.selfId, ws, heartbeatFrame, self.settings.Transport)

	reconciler := NewReconciler(self.ctx, self.fs, self.root, func(paths []string) {
		session.Send(protocol.RequireEncode(self.selfId, &protocol.FileRequest{Paths: paths}))
	}, self.settings.Reconcile)
	reconciler.AddSyncCompleteCallback(func(err error) {
		for _, callback := range self.syncCompleteCallbacks.Get() {
			callback := callback
			handleCallback(func() {
				callback(err)
			})
		}
	})

	self.sessionMutex.Lock()
	self.session = session
	self.reconciler = reconciler
	self.sessionMutex.Unlock()

	self.fireRoster()
	glog.V(1).Infof("[c]joined %s as %s\n", wsUrl, self.selfId)

	success = true
	return session, nil
}

func (self *Client) serve(session *Session) {
	for frame := range session.Receive() {
		self.dispatch(frame)
	}

	// an in-flight sync lost to disconnection never completes; abandon it
	self.sessionMutex.Lock()
	reconciler := self.reconciler
	self.session = nil
	self.reconciler = nil
	self.sessionMutex.Unlock()
	if reconciler != nil {
		reconciler.Close()
	}
	session.Close()
}

func (self *Client) dispatch(frame []byte) {
	userId, message, err := protocol.Decode(frame)
	if err != nil {
		glog.Infof("[c]drop frame = %s\n", err)
		return
	}

	self.sessionMutex.Lock()
	reconciler := self.reconciler
	self.sessionMutex.Unlock()
	if reconciler == nil {
		return
	}

	switch v := message.(type) {
	case *protocol.Heartbeat:
		// host ping. The client heartbeats on its own timer.
		glog.V(2).Infof("[c]ping<-\n")
	case *protocol.FileManifest:
		// manifest hashing touches the whole tree; keep it off the
		// receive loop so presence delivery is not stalled
		go func() {
			if err := reconciler.Start(v.Files); err != nil {
				glog.Infof("[c]sync start error = %s\n", err)
			}
		}()
	case *protocol.FileContent:
		reconciler.ApplyContent(v.Files)
	case *protocol.UserJoined:
		self.presence.Insert(v.User)
		for _, callback := range self.joinedCallbacks.Get() {
			callback := callback
			handleCallback(func() {
				callback(v.User)
			})
		}
		self.fireRoster()
	case *protocol.UserLeft:
		if self.presence.Leave(v.UserId) != nil {
			for _, callback := range self.leftCallbacks.Get() {
				callback := callback
				handleCallback(func() {
					callback(v.UserId)
				})
			}
			self.fireRoster()
		}
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
		for _, callback := range self.cursorCallbacks.Get() {
			callback := callback
			handleCallback(func() {
				callback(userId, v)
			})
		}
	case *protocol.ActiveFileChange:
		activeFile := v.Path
		self.presence.Update(userId, UserUpdate{ActiveFile: &activeFile})
		self.fireRoster()
	case *protocol.DocEdit:
		self.editSync.ApplyRemote(userId, v)
	case *protocol.FileSave:
		if err := self.editSync.ApplySave(userId, v); err != nil {
			glog.Infof("[c]save %s = %s\n", v.Path, err)
		}
	case *protocol.FileCreate:
		if err := reconciler.ApplyCreate(v); err != nil {
			glog.Infof("[c]create %s = %s\n", v.Path, err)
		}
	case *protocol.FileDelete:
		if err := reconciler.ApplyDelete(v); err != nil {
			glog.Infof("[c]delete %s = %s\n", v.Path, err)
		}
	case *protocol.FileRename:
		if err := reconciler.ApplyRename(v); err != nil {
			glog.Infof("[c]rename %s -> %s = %s\n", v.OldPath, v.NewPath, err)
		}
	case *protocol.Error:
		glog.Infof("[c]host error = %s\n", v.Message)
	default:
		glog.V(1).Infof("[c]drop %T\n", v)
	}
}

func (self *Client) sendToHost(frame []byte) bool {
	self.sessionMutex.Lock()
	session := self.session
	self.sessionMutex.Unlock()
	if session == nil {
		return false
	}
	return session.Send(frame)
}

func (self *Client) fireRoster() {
	users := self.presence.All()
	for _, callback := range self.rosterCallbacks.Get() {
		callback := callback
		handleCallback(func() {
			callback(users, self.selfId)
		})
	}
}

func (self *Client) fireDisconnect(err error) {
	for _, callback := range self.disconnectCallbacks.Get() {
		callback := callback
		handleCallback(func() {
			callback(err)
		})
	}
}

// Local events from the editor layer. Clients are leaves in the broadcast
// tree, everything goes only to the host.

func (self *Client) LocalEdit(path string, changes []protocol.TextChange) {
	edit, ok := self.editSync.CaptureLocal(path, changes)
	if !ok {
		return
	}
	self.sendToHost(protocol.RequireEncode(self.selfId, edit))
}

func (self *Client) LocalSave(path string) {
	self.sendToHost(protocol.RequireEncode(self.selfId, &protocol.FileSave{Path: path}))
}

func (self *Client) LocalCursor(update *protocol.CursorUpdate) {
	self.sendToHost(protocol.RequireEncode(self.selfId, update))
}

func (self *Client) LocalActiveFile(path string) {
	self.sendToHost(protocol.RequireEncode(self.selfId, &protocol.ActiveFileChange{Path: path}))
}

// LocalRename renames a file in the mirror and reports the rename to the
// host as a single operation, preserving the file's identity.
func (self *Client) LocalRename(oldPath string, newPath string) error {
	self.sessionMutex.Lock()
	reconciler := self.reconciler
	self.sessionMutex.Unlock()
	if reconciler == nil {
		return fmt.Errorf("not connected")
	}
	rename := &protocol.FileRename{
		OldPath: oldPath,
		NewPath: newPath,
	}
	if err := reconciler.ApplyRename(rename); err != nil {
		return err
	}
	self.sendToHost(protocol.RequireEncode(self.selfId, rename))
	return nil
}

// HandleWatchEvent consumes one filesystem event from the watch layer,
// originating file create/delete messages unless the event is self-caused.
func (self *Client) HandleWatchEvent(event WatchEvent) {
	self.sessionMutex.Lock()
	reconciler := self.reconciler
	self.sessionMutex.Unlock()
	if reconciler == nil || reconciler.Suppressed(event.RelativePath) {
		return
	}
	switch event.Kind {
	case WatchCreated:
		data, err := ReadFileData(self.fs, self.root, event.RelativePath, self.settings.Reconcile)
		if err != nil {
			glog.Infof("[c]watch read %s = %s\n", event.RelativePath, err)
			return
		}
		self.sendToHost(protocol.RequireEncode(self.selfId, &protocol.FileCreate{
			Path:    data.Path,
			Content: data.Content,
			Binary:  data.Binary,
		}))
	case WatchDeleted:
		self.sendToHost(protocol.RequireEncode(self.selfId, &protocol.FileDelete{
			Path: event.RelativePath,
		}))
	}
}
