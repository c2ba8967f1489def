package testutils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/elnosh/nutpay/cashu/nuts/nut04"
	"github.com/elnosh/nutpay/cashu/nuts/nut17"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wsClient struct {
	conn *websocket.Conn
	// only one concurrent writer per connection
	writeMu       sync.Mutex
	mu            sync.Mutex
	subscriptions map[string]string
	mint          *Mint
}

func (c *wsClient) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mint.countRequest("ws")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.mint.logger.Error("could not upgrade to websocket connection", "error", err)
		return
	}

	client := &wsClient{conn: conn, subscriptions: make(map[string]string), mint: s.mint}
	s.wsMu.Lock()
	s.wsClients[client] = struct{}{}
	s.wsMu.Unlock()

	go func() {
		defer s.removeClient(client)
		client.readMessages()
	}()
}

func (s *Server) removeClient(client *wsClient) {
	s.wsMu.Lock()
	delete(s.wsClients, client)
	s.wsMu.Unlock()
	client.close()
}

// DropConnections closes every open websocket connection.
func (s *Server) DropConnections() {
	s.wsMu.Lock()
	clients := make([]*wsClient, 0, len(s.wsClients))
	for client := range s.wsClients {
		clients = append(clients, client)
	}
	s.wsMu.Unlock()
	for _, client := range clients {
		client.conn.Close()
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	for subId, pubsubId := range c.subscriptions {
		c.mint.quoteUpdates.unsubscribe(pubsubId)
		delete(c.subscriptions, subId)
	}
	c.mu.Unlock()
	c.conn.Close()
}

func (c *wsClient) readMessages() {
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var request nut17.Request
		if err := json.Unmarshal(msg, &request); err != nil {
			c.write(nut17.NewError(-1, nut17.ErrCodeRequest, "invalid request"))
			continue
		}

		switch request.Method {
		case nut17.SUBSCRIBE:
			c.subscribe(request)
		case nut17.UNSUBSCRIBE:
			c.unsubscribe(request)
		default:
			c.write(nut17.NewError(request.Id, nut17.ErrCodeRequest, "invalid request method"))
		}
	}
}

func (c *wsClient) subscribe(request nut17.Request) {
	if request.Params.Kind != nut17.Bolt11MintQuote {
		c.write(nut17.NewError(request.Id, nut17.ErrCodeRequest, "subscription kind not supported"))
		return
	}

	c.mu.Lock()
	_, exists := c.subscriptions[request.Params.SubId]
	c.mu.Unlock()
	if exists {
		errMsg := fmt.Sprintf("subscription with subId '%v' already exists", request.Params.SubId)
		c.write(nut17.NewError(request.Id, nut17.ErrCodeRequest, errMsg))
		return
	}

	// listen for updates before reading current state so none are missed
	pubsubId, updates := c.mint.quoteUpdates.subscribe()
	filters := make(map[string]bool, len(request.Params.Filters))
	initial := make([]nut04.PostMintQuoteBolt11Response, 0, len(request.Params.Filters))
	for _, quoteId := range request.Params.Filters {
		quote, err := c.mint.GetMintQuoteState(quoteId)
		if err != nil {
			c.mint.quoteUpdates.unsubscribe(pubsubId)
			c.write(nut17.NewError(request.Id, nut17.ErrCodeRequest, fmt.Sprintf("quote %v does not exist", quoteId)))
			return
		}
		filters[quoteId] = true
		initial = append(initial, quote)
	}

	c.mu.Lock()
	c.subscriptions[request.Params.SubId] = pubsubId
	c.mu.Unlock()

	c.write(nut17.NewResult(request.Id, request.Params.SubId))

	subId := request.Params.SubId
	go func() {
		for _, quote := range initial {
			c.notify(subId, quote)
		}
		for update := range updates {
			if filters[update.Quote] {
				c.notify(subId, update)
			}
		}
	}()
}

func (c *wsClient) notify(subId string, quote nut04.PostMintQuoteBolt11Response) {
	notification, err := nut17.NewNotification(subId, quote)
	if err != nil {
		c.mint.logger.Error("could not encode notification", "error", err)
		return
	}
	c.write(notification)
}

func (c *wsClient) unsubscribe(request nut17.Request) {
	c.mu.Lock()
	pubsubId, ok := c.subscriptions[request.Params.SubId]
	delete(c.subscriptions, request.Params.SubId)
	c.mu.Unlock()
	if !ok {
		errMsg := fmt.Sprintf("subscription with subId '%v' does not exist", request.Params.SubId)
		c.write(nut17.NewError(request.Id, nut17.ErrCodeRequest, errMsg))
		return
	}

	c.mint.quoteUpdates.unsubscribe(pubsubId)
	c.write(nut17.NewResult(request.Id, request.Params.SubId))
}
