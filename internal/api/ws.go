package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"eg4-assistant/internal/metrics"
	"eg4-assistant/internal/reading"
	"eg4-assistant/internal/snapshot"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// Message is the frame sent to stream clients.
type Message struct {
	Type      snapshot.UpdateType `json:"type"`
	Data      any                 `json:"data"`
	Timestamp time.Time           `json:"timestamp"`
}

func (s *Server) wsHandler(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	id := uuid.New().String()
	log := s.log.With(zap.String("client", id))
	log.Info("websocket client connected")
	metrics.WSClients.Inc()
	defer metrics.WSClients.Dec()

	// Subscribe before sending the snapshot so nothing published in between is lost.
	sub := s.bus.Subscribe()
	defer func() { sub.Close() }()

	snap := s.bus.Current()
	for _, p := range []reading.Portal{reading.PortalEG4, reading.PortalSRP, reading.PortalEnphase} {
		r := snap.Reading(p)
		if r == nil {
			continue
		}
		if err := s.writeMessage(conn, Message{Type: snapshot.UpdateFor(p), Data: r, Timestamp: snap.LastUpdate}); err != nil {
			log.Info("websocket client disconnected", zap.Error(err))
			return
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			log.Info("websocket client disconnected")
			return
		case <-c.Request.Context().Done():
			return
		case u, ok := <-sub.C:
			if !ok {
				log.Warn("websocket client fell behind, closing")
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"), time.Now().Add(writeWait))
				return
			}
			if err := s.writeMessage(conn, Message{Type: u.Type, Data: u.Data(), Timestamp: u.At}); err != nil {
				log.Info("websocket write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeMessage(conn *websocket.Conn, m Message) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(m)
}
