// Package gateway is the websocket transport: it upgrades HTTP connections,
// runs the read/write pumps and hands decoded frames to the session router.
package gateway

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"quizwire/internal/protocol"
	"quizwire/internal/router"
)

// Config holds transport tuning for websocket connections.
type Config struct {
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	PingInterval   time.Duration
	MaxMessageSize int64
	SendBuffer     int
	CheckOrigin    func(r *http.Request) bool
}

// DefaultConfig returns the transport defaults.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 64 * 1024,
		SendBuffer:     256,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// Gateway accepts websocket connections and feeds them to the router.
type Gateway struct {
	router   *router.Router
	cfg      Config
	upgrader websocket.Upgrader
}

// New creates a gateway bound to a router.
func New(rt *router.Router, cfg Config) *Gateway {
	return &Gateway{
		router: rt,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// ServeWS handles GET /ws: every client, host or player, connects here and
// identifies itself through its first protocol message.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn := newConn(ws, g.cfg)

	log.Debug().Str("remote", ws.RemoteAddr().String()).Msg("websocket connected")

	go conn.writePump()
	go g.readPump(conn)
}

// readPump reads frames until the connection dies, dispatching each decoded
// message. A frame that is not valid JSON earns the sender an error reply
// and nothing else; closing the socket is what detaches the participant.
func (g *Gateway) readPump(c *Conn) {
	defer func() {
		g.router.OnClose(c)
		c.close()
		log.Debug().Msg("websocket closed")
	}()

	c.ws.SetReadLimit(g.cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("unexpected websocket close")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(g.cfg.ReadTimeout))

		in, err := protocol.DecodeInbound(data)
		if err != nil {
			c.Send(protocol.Error("invalid JSON message"))
			continue
		}
		g.router.Dispatch(c, in)
	}
}
