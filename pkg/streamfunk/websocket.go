package streamfunk

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// WebsocketPath is the HTTP path the websocket transport listens on
const WebsocketPath = "/mesh"

const wsCloseTimeout = time.Second

type websocketTransport struct {
	mutex    sync.Mutex
	server   *http.Server
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
}

// NewWebsocketTransport creates a transport using websocket connections.
// Every message is sent as a binary websocket message.
func NewWebsocketTransport() Transport {
	return &websocketTransport{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		dialer: websocket.DefaultDialer,
	}
}

func (w *websocketTransport) Dial(ctx context.Context, address string) (Stream, error) {
	conn, _, err := w.dialer.DialContext(ctx, "ws://"+address+WebsocketPath, nil)
	if err != nil {
		return nil, err
	}
	return newWSStream(conn), nil
}

func (w *websocketTransport) Listen(endpoint string, accept AcceptFunc) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.server != nil {
		return errors.New("transport is already listening")
	}
	listener, err := net.Listen("tcp", endpoint)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.HandleFunc(WebsocketPath, func(rw http.ResponseWriter, r *http.Request) {
		conn, err := w.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			log.WithError(err).Warning("Unable to upgrade websocket connection")
			return
		}
		s := newWSStream(conn)
		defer s.Close()
		accept(s)
	})
	w.server = &http.Server{Handler: mux}
	go func(srv *http.Server) {
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.WithError(err).WithField("endpoint", endpoint).Warning("Websocket server stopped")
		}
	}(w.server)
	return nil
}

func (w *websocketTransport) Close() error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.server == nil {
		return nil
	}
	err := w.server.Close()
	w.server = nil
	return err
}

type wsStream struct {
	conn      *websocket.Conn
	writeLock sync.Mutex
	closeOnce sync.Once
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Send(data []byte) error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (s *wsStream) Recv() ([]byte, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// CloseSend sends a close frame. The remote end echoes the frame back which
// completes the local reader.
func (s *wsStream) CloseSend() error {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	return s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseTimeout))
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.conn.Close()
	})
	return err
}

func (s *wsStream) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}
