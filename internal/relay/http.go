package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"anybutton/internal/protocol"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxBody    = 64 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Handler exposes the router over HTTP so agents in other processes can
// escalate and receive reports.
func Handler(router *Router) http.Handler {
	h := &httpHandler{router: router}
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.health)
	r.Get("/tabs", h.listTabs)
	r.Post("/tabs/{tabID}/messages", h.postMessage)
	r.Get("/tabs/{tabID}/reports", h.streamReports)
	return r
}

type httpHandler struct {
	router *Router
}

func (h *httpHandler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *httpHandler) listTabs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"tabs": h.router.Tabs()})
}

func (h *httpHandler) postMessage(w http.ResponseWriter, r *http.Request) {
	tabID := chi.URLParam(r, "tabID")
	var msg protocol.Message
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&msg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message: " + err.Error()})
		return
	}
	if msg.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message type is required"})
		return
	}
	if err := h.router.Submit(r.Context(), protocol.Envelope{TabID: tabID, Message: msg}); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (h *httpHandler) streamReports(w http.ResponseWriter, r *http.Request) {
	tabID := chi.URLParam(r, "tabID")
	// Register before the handshake completes so reports for requests the
	// client sends right after dialing are not lost.
	ep := h.router.Connect(tabID)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ep.Close()
		log.Printf("[relay:http] websocket upgrade failed for tab %s: %v", tabID, err)
		return
	}
	defer conn.Close()
	defer ep.Close()
	log.Printf("[relay:http] tab %s connected", tabID)

	// Read side only watches for close and pongs.
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("[relay:http] tab %s read error: %v", tabID, err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case rep, ok := <-ep.Reports():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced"), time.Now().Add(writeWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(rep); err != nil {
				log.Printf("[relay:http] write report to tab %s: %v", tabID, err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			log.Printf("[relay:http] tab %s disconnected", tabID)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Client is a tab endpoint in another process. It satisfies the agent
// channel.
type Client struct {
	base    string
	tabID   string
	http    *http.Client
	conn    *websocket.Conn
	reports chan protocol.Report
	// closed is closed by Close; done when readLoop has returned.
	closed chan struct{}
	done   chan struct{}

	closeOnce sync.Once
}

// Dial opens the report stream for tabID on the relay at baseURL.
func Dial(ctx context.Context, baseURL, tabID string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse relay url: %w", err)
	}
	wsURL := *u
	switch u.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	wsURL.Path += "/tabs/" + url.PathEscape(tabID) + "/reports"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	c := &Client{
		base:    u.String(),
		tabID:   tabID,
		http:    &http.Client{Timeout: 30 * time.Second},
		conn:    conn,
		reports: make(chan protocol.Report, endpointBuffer),
		closed:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.reports)
	for {
		var rep protocol.Report
		if err := c.conn.ReadJSON(&rep); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[relay:client] tab %s read error: %v", c.tabID, err)
			}
			return
		}
		select {
		case c.reports <- rep:
		case <-c.closed:
			return
		}
	}
}

func (c *Client) TabID() string { return c.tabID }

// Send posts msg to the relay.
func (c *Client) Send(ctx context.Context, msg protocol.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	endpoint := c.base + "/tabs/" + url.PathEscape(c.tabID) + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("post escalation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("relay rejected escalation: %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}
	return nil
}

// Reports is closed when the stream ends.
func (c *Client) Reports() <-chan protocol.Report { return c.reports }

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		err = c.conn.Close()
	})
	return err
}
