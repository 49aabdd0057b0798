package rpc

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/gorilla/websocket"

	"github.com/stable-net/stakingd/pkg/ledger"
)

const (
	eventBufferSize = 256
	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = pongWait * 9 / 10
)

// errSubscriberLagged cuts off a client that fell eventBufferSize events behind.
var errSubscriberLagged = errors.New("subscriber too slow")

// EventFeed publishes committed ledger events.
type EventFeed interface {
	SubscribeEvents(ch chan<- ledger.Event) event.Subscription
}

// Subscriptions streams ledger events to websocket clients.
type Subscriptions struct {
	feed     EventFeed
	upgrader *websocket.Upgrader
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewSubscriptions creates the event stream. origins lists the allowed
// Origin values; "*" allows any.
func NewSubscriptions(feed EventFeed, origins []string) *Subscriptions {
	return &Subscriptions{
		feed: feed,
		upgrader: &websocket.Upgrader{
			CheckOrigin: originChecker(origins),
		},
		done: make(chan struct{}),
	}
}

func originChecker(origins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := strings.ToLower(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		for _, allowed := range origins {
			if allowed == "*" || allowed == origin {
				return true
			}
		}
		return false
	}
}

// eventMatcher selects events by the ?account= and ?kind= query parameters.
type eventMatcher struct {
	account *common.Address
	kinds   map[ledger.Kind]bool
}

func (m *eventMatcher) match(ev ledger.Event) bool {
	if m.account != nil && ev.Account != *m.account {
		return false
	}
	if len(m.kinds) > 0 && !m.kinds[ev.Kind] {
		return false
	}
	return true
}

func parseMatcher(r *http.Request) (*eventMatcher, string) {
	q := r.URL.Query()
	m := &eventMatcher{kinds: make(map[ledger.Kind]bool)}
	if s := q.Get("account"); s != "" {
		if !common.IsHexAddress(s) {
			return nil, "invalid account"
		}
		addr := common.HexToAddress(s)
		m.account = &addr
	}
	for _, s := range q["kind"] {
		k := ledger.Kind(s)
		if !k.Valid() {
			return nil, "invalid kind " + s
		}
		m.kinds[k] = true
	}
	return m, ""
}

// ServeHTTP upgrades the connection and streams matching events as JSON
// text messages until either side goes away.
func (s *Subscriptions) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	matcher, msg := parseMatcher(r)
	if matcher == nil {
		http.Error(w, msg, http.StatusBadRequest)
		return
	}

	stop := make(chan struct{})
	defer close(stop)

	// Subscribed before the handshake completes so the client sees every
	// event committed after it connected.
	in := make(chan ledger.Event, 16)
	sub := s.feed.SubscribeEvents(in)
	defer sub.Unsubscribe()

	queue := make(chan ledger.Event, eventBufferSize)
	lagged := make(chan struct{})
	go relay(in, queue, lagged, stop)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("Websocket upgrade failed", "err", err)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer conn.Close()

	closed := make(chan struct{})
	go s.readPump(conn, closed)

	logger.Debug("Event subscriber connected", "remote", r.RemoteAddr)
	if err := s.writePump(conn, queue, lagged, sub.Err(), closed, matcher); err != nil {
		logger.Debug("Event subscriber dropped", "remote", r.RemoteAddr, "err", err)
	}
}

// readPump drains client frames so control messages are processed, and
// closes closed when the client goes away.
func (s *Subscriptions) readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// relay moves events from the ledger feed into queue and never blocks the
// feed: once queue is full it closes lagged and discards until stop.
func relay(in <-chan ledger.Event, queue chan<- ledger.Event, lagged chan<- struct{}, stop <-chan struct{}) {
	dropping := false
	for {
		select {
		case ev := <-in:
			if dropping {
				continue
			}
			select {
			case queue <- ev:
			default:
				dropping = true
				close(lagged)
			}
		case <-stop:
			return
		}
	}
}

func (s *Subscriptions) writePump(conn *websocket.Conn, ch <-chan ledger.Event, lagged <-chan struct{}, subErr <-chan error, closed <-chan struct{}, matcher *eventMatcher) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev := <-ch:
			if !matcher.match(ev) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(NewEvent(ev)); err != nil {
				return err
			}
		case <-lagged:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseTryAgainLater, errSubscriberLagged.Error()), time.Now().Add(writeWait))
			return errSubscriberLagged
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return err
			}
		case err := <-subErr:
			// Feed closed: the ledger is shutting down
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return err
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			return nil
		case <-closed:
			return nil
		}
	}
}

// Close ends all streams and waits for their handlers. Hijacked connections
// are not closed by http.Server.Shutdown.
func (s *Subscriptions) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
}
