package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/shuwashuwa/shuwacall/internal/signal"
	"github.com/shuwashuwa/shuwacall/internal/util"
)

const (
	wsSendBuffer   = 256
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingPeriod   = 54 * time.Second
	wsStoreTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		// Origin policy is enforced at the edge proxy.
		return true
	},
}

// wsFrame is one message on the call socket, both directions. Type is one of
// offer, answer, candidate, or end.
type wsFrame struct {
	Type      string `json:"type"`
	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`
	Sender    string `json:"sender,omitempty"`
}

// callSocket bridges one WebSocket client to the signaling store: store
// events stream out as frames, inbound frames become store writes.
type callSocket struct {
	callID string
	userID string
	store  signal.Store
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}

	mu         sync.Mutex
	lastOffer  string
	lastAnswer string
}

// handleCallSocket authenticates via the token query parameter, because
// browsers cannot set headers on WebSocket requests.
func (s *Server) handleCallSocket(c *gin.Context) {
	claims, err := parseToken(c.Query("token"), s.cfg.JWTSecret)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	callID := c.Param("callId")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		util.LogWarning("server: websocket upgrade: %v", err)
		return
	}

	sock := &callSocket{
		callID: callID,
		userID: claims.UserID,
		store:  s.cfg.Store,
		conn:   conn,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
	}
	unsub, err := s.cfg.Store.Subscribe(callID, sock.onStoreEvent)
	if err != nil {
		util.LogWarning("server: subscribe %s: %v", callID, err)
		_ = conn.Close()
		return
	}

	util.LogInfo("server: %s attached to call %s", claims.UserID, callID)
	go sock.writePump()
	go sock.readPump(unsub)
}

// onStoreEvent translates store events into frames, suppressing document
// rewrites that did not change the field this client cares about.
func (sock *callSocket) onStoreEvent(ev signal.Event) {
	switch ev.Kind {
	case signal.EventDocument:
		sock.mu.Lock()
		var frames []wsFrame
		if o := ev.Doc.Offer; o != nil && o.SDP != sock.lastOffer {
			sock.lastOffer = o.SDP
			frames = append(frames, wsFrame{Type: "offer", SDP: o.SDP, Sender: o.Sender})
		}
		if a := ev.Doc.Answer; a != nil && a.SDP != sock.lastAnswer {
			sock.lastAnswer = a.SDP
			frames = append(frames, wsFrame{Type: "answer", SDP: a.SDP, Sender: a.Sender})
		}
		sock.mu.Unlock()
		for _, f := range frames {
			sock.enqueue(f)
		}
	case signal.EventCandidate:
		sock.enqueue(wsFrame{Type: "candidate", Candidate: ev.Candidate.Payload, Sender: ev.Candidate.Sender})
	case signal.EventDeleted:
		sock.enqueue(wsFrame{Type: "end"})
	}
}

func (sock *callSocket) enqueue(f wsFrame) {
	data, err := json.Marshal(f)
	if err != nil {
		util.LogWarning("server: encode frame: %v", err)
		return
	}
	select {
	case <-sock.done:
	case sock.send <- data:
	default:
		util.LogWarning("server: dropping frame for slow client %s", sock.userID)
	}
}

func (sock *callSocket) readPump(unsub func()) {
	defer func() {
		unsub()
		close(sock.done)
		_ = sock.conn.Close()
		util.LogInfo("server: %s detached from call %s", sock.userID, sock.callID)
	}()

	_ = sock.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	sock.conn.SetPongHandler(func(string) error {
		return sock.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		_, message, err := sock.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				util.LogWarning("server: websocket read: %v", err)
			}
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			util.LogWarning("server: malformed frame from %s: %v", sock.userID, err)
			continue
		}
		sock.apply(frame)
	}
}

// apply writes an inbound frame into the store. The sender is always the
// authenticated user, regardless of what the frame claims.
func (sock *callSocket) apply(frame wsFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), wsStoreTimeout)
	defer cancel()

	var err error
	switch frame.Type {
	case "offer":
		err = sock.store.SetOffer(ctx, sock.callID, &signal.SessionDesc{Kind: "offer", SDP: frame.SDP, Sender: sock.userID})
	case "answer":
		err = sock.store.SetAnswer(ctx, sock.callID, &signal.SessionDesc{Kind: "answer", SDP: frame.SDP, Sender: sock.userID})
	case "candidate":
		err = sock.store.AddCandidate(ctx, sock.callID, &signal.Candidate{Payload: frame.Candidate, Sender: sock.userID})
	case "end":
		err = sock.store.Delete(ctx, sock.callID)
	default:
		util.LogWarning("server: unknown frame type %q from %s", frame.Type, sock.userID)
		return
	}
	if err != nil {
		util.LogWarning("server: apply %s frame: %v", frame.Type, err)
	}
}

func (sock *callSocket) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = sock.conn.Close()
	}()

	for {
		select {
		case <-sock.done:
			_ = sock.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			_ = sock.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-sock.send:
			_ = sock.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := sock.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = sock.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := sock.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
