package pairspace

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const TransportBufferSize = 32

type TransportSettings struct {
	WsHandshakeTimeout time.Duration
	JoinAckTimeout     time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	// client sends a heartbeat on this interval. Zero, or a session with
	// no heartbeat frame, disables emission (host side). Deliberately
	// shorter than the host sweep interval to tolerate jitter.
	HeartbeatInterval time.Duration
	// host sweeps peer liveness on this interval
	SweepInterval time.Duration

	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	MaxReconnectAttempts  int
}

func DefaultTransportSettings() *TransportSettings {
	return &TransportSettings{
		WsHandshakeTimeout: 5 * time.Second,
		JoinAckTimeout:     10 * time.Second,
		WriteTimeout:       10 * time.Second,
		// the read timeout must exceed the heartbeat interval or idle peers time out
		ReadTimeout:           90 * time.Second,
		HeartbeatInterval:     25 * time.Second,
		SweepInterval:         30 * time.Second,
		ReconnectInitialDelay: 2 * time.Second,
		ReconnectMaxDelay:     30 * time.Second,
		MaxReconnectAttempts:  10,
	}
}

// NewReconnectBackOff is the client reconnect schedule,
// min(1000ms * 2^attempt, 30s) for attempt 1..MaxReconnectAttempts.
// No jitter so the schedule is exact.
func NewReconnectBackOff(settings *TransportSettings) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = settings.ReconnectInitialDelay
	b.Multiplier = 2
	b.MaxInterval = settings.ReconnectMaxDelay
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Session owns one websocket connection: the outbound send queue, the write
// and read pumps, heartbeat emission and the liveness flag the host sweep
// reads. Closing the context tears both pumps down and closes the socket.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	userId string

	ws *websocket.Conn

	send    chan []byte
	receive chan []byte

	// encoded heartbeat frame, emitted from the write pump when
	// HeartbeatInterval is set. Nil disables emission (host side).
	heartbeatFrame []byte

	// set by MarkAlive on inbound heartbeat, cleared by the host sweep
	aliveMutex sync.Mutex
	alive      bool

	settings *TransportSettings
}

func NewSession(
	ctx context.Context,
	userId string,
	ws *websocket.Conn,
	heartbeatFrame []byte,
	settings *TransportSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	session := &Session{
		ctx:            cancelCtx,
		cancel:         cancel,
		userId:         userId,
		ws:             ws,
		send:           make(chan []byte, TransportBufferSize),
		receive:        make(chan []byte, TransportBufferSize),
		heartbeatFrame: heartbeatFrame,
		alive:          true,
		settings:       settings,
	}
	go session.writePump()
	go session.readPump()
	return session
}

func (self *Session) UserId() string {
	return self.userId
}

// Send enqueues one encoded frame. The frame is dropped with a log when the
// peer cannot drain the queue within the write timeout, so one stalled peer
// cannot block the caller.
func (self *Session) Send(frame []byte) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.send <- frame:
		return true
	case <-time.After(self.settings.WriteTimeout):
		glog.Infof("[t]drop %s-> send queue full\n", self.userId)
		return false
	}
}

// Receive yields inbound frames. The channel is closed when the connection
// ends for any reason.
func (self *Session) Receive() <-chan []byte {
	return self.receive
}

func (self *Session) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *Session) MarkAlive() {
	self.aliveMutex.Lock()
	defer self.aliveMutex.Unlock()
	self.alive = true
}

// TestAndClearAlive returns whether the peer heartbeated since the previous
// sweep, clearing the flag for the next sweep window.
func (self *Session) TestAndClearAlive() bool {
	self.aliveMutex.Lock()
	defer self.aliveMutex.Unlock()
	alive := self.alive
	self.alive = false
	return alive
}

func (self *Session) Close() {
	self.cancel()
	self.ws.Close()
}

func (self *Session) writePump() {
	defer func() {
		self.cancel()
		self.ws.Close()
	}()

	for {
		if 0 < self.settings.HeartbeatInterval && self.heartbeatFrame != nil {
			select {
			case <-self.ctx.Done():
				return
			case frame, ok := <-self.send:
				if !ok {
					return
				}
				if !self.writeFrame(frame) {
					return
				}
			case <-time.After(self.settings.HeartbeatInterval):
				if !self.writeFrame(self.heartbeatFrame) {
					return
				}
				glog.V(2).Infof("[t]heartbeat %s->\n", self.userId)
			}
		} else {
			select {
			case <-self.ctx.Done():
				return
			case frame, ok := <-self.send:
				if !ok {
					return
				}
				if !self.writeFrame(frame) {
					return
				}
			}
		}
	}
}

func (self *Session) writeFrame(frame []byte) bool {
	self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	if err := self.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		// a websocket deadline timeout cannot be recovered
		glog.Infof("[t]%s-> error = %s\n", self.userId, err)
		return false
	}
	glog.V(2).Infof("[t]%s->\n", self.userId)
	return true
}

func (self *Session) readPump() {
	defer func() {
		self.cancel()
		close(self.receive)
	}()

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, frame, err := self.ws.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[t]%s<- error = %s\n", self.userId, err)
			return
		}

		if len(frame) == 0 {
			// empty messages are pings
			glog.V(2).Infof("[t]ping %s<-\n", self.userId)
			continue
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			select {
			case <-self.ctx.Done():
				return
			case self.receive <- frame:
				glog.V(2).Infof("[t]%s<-\n", self.userId)
			case <-time.After(self.settings.ReadTimeout):
				glog.Infof("[t]drop %s<-\n", self.userId)
			}
		default:
			glog.V(2).Infof("[t]other=%d %s<-\n", messageType, self.userId)
		}
	}
}
