package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"ai-legalchat-be/internal/config"
	"ai-legalchat-be/internal/pkg/logger"
	"ai-legalchat-be/internal/relay"
	"ai-legalchat-be/internal/service"
	pktNats "ai-legalchat-be/pkg/nats"
)

const (
	relayPongWait  = 60 * time.Second
	relayReadLimit = 64 * 1024
)

// RelayHandler accepts websocket connections and hands each one to its own
// session gateway. Authentication happens in-protocol on the first
// join_chat frame, not at the handshake.
type RelayHandler struct {
	registry *relay.Registry
	verifier relay.TokenVerifier
	store    relay.ChatStore
	gen      *relay.Generator
	recorder *relay.Recorder
	audit    *pktNats.Publisher
	log      logger.ILogger
	cfg      config.RelayConfig
}

func NewRelayHandler(
	registry *relay.Registry,
	authService service.IAuthService,
	chatService service.IChatService,
	gen *relay.Generator,
	recorder *relay.Recorder,
	audit *pktNats.Publisher,
	log logger.ILogger,
	cfg config.RelayConfig,
) *RelayHandler {
	return &RelayHandler{
		registry: registry,
		verifier: authService,
		store:    chatService,
		gen:      gen,
		recorder: recorder,
		audit:    audit,
		log:      log,
		cfg:      cfg,
	}
}

func (h *RelayHandler) RegisterRoutes(r fiber.Router) {
	r.Get("/ws/chat", h.Upgrade)
}

func (h *RelayHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	return websocket.New(h.serve)(c)
}

func (h *RelayHandler) serve(ws *websocket.Conn) {
	conn := relay.NewConn(ws)

	// Check the server-wide ceiling before spending any authentication work.
	if !h.registry.HasServerCapacity() {
		h.log.Warn("RelayHandler", "connection rejected, server at capacity", map[string]interface{}{
			"connection_id": conn.Id(),
		})
		conn.ForceClose(h.cfg.CapacityCloseCode, "Server at capacity")
		return
	}

	go conn.WritePump()

	h.log.Info("RelayHandler", "websocket session started", map[string]interface{}{
		"connection_id": conn.Id(),
	})
	conn.Deliver(relay.NewConnectedFrame(conn.Id()))

	gateway := relay.NewGateway(conn, h.registry, h.verifier, h.store, h.gen, h.recorder, h.audit, h.log, h.cfg)
	h.readLoop(ws, conn, gateway)

	gateway.Close()
	conn.Close()
	h.log.Info("RelayHandler", "websocket session ended", map[string]interface{}{
		"connection_id": conn.Id(),
	})
}

// readLoop pumps inbound frames into the gateway. Frames on one connection
// are handled strictly in order; a streaming generation therefore suspends
// only this connection.
func (h *RelayHandler) readLoop(ws *websocket.Conn, conn *relay.Conn, gateway *relay.Gateway) {
	ws.SetReadLimit(relayReadLimit)
	ws.SetReadDeadline(time.Now().Add(relayPongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(relayPongWait))
		return nil
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("RelayHandler", "websocket read failed", map[string]interface{}{
					"connection_id": conn.Id(),
					"error":         err.Error(),
				})
			}
			return
		}
		if conn.IsClosed() {
			return
		}
		gateway.HandleFrame(context.Background(), raw)
	}
}
