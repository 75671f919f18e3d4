package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/dqhuy/unilink/internal/signaling"
)

var log = logging.Logger("relay")

const (
	defaultFetchLimit = 50
	maxFetchLimit     = 200
	recentCapacity    = 256
	writeWait         = 10 * time.Second
	pingInterval      = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server is the signaling relay: REST for insert/fetch/delete, a websocket
// per subscription for push delivery of inserts.
type Server struct {
	addr   string
	apiKey string
	store  Store
	hub    *hub
	recent *recentRing

	srv *http.Server
	ln  net.Listener
}

// NewServer creates a relay bound to addr using store. apiKey, when not
// empty, is required from clients ("apikey" header or bearer token).
func NewServer(addr, apiKey string, store Store) *Server {
	return &Server{
		addr:   addr,
		apiKey: apiKey,
		store:  store,
		hub:    newHub(),
		recent: newRecentRing(recentCapacity),
	}
}

// Start begins listening. It returns once the listener is bound; the server
// shuts down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.srv = &http.Server{Handler: s.router()}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("serve: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutCtx)
		s.hub.closeAll()
	}()

	log.Infof("relay listening on %s", ln.Addr())
	return nil
}

// URL returns the base HTTP URL of a started server.
func (s *Server) URL() string {
	return "http://" + s.ln.Addr().String()
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.authorize)

	r.Route("/api/signals", func(r chi.Router) {
		r.Post("/", s.handleInsert)
		r.Get("/", s.handleFetch)
		r.Delete("/{id}", s.handleDelete)
		r.Get("/subscribe", s.handleSubscribe)
	})
	r.Get("/api/status", s.handleStatus)
	return r
}

func (s *Server) authorize(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			key := r.Header.Get("apikey")
			if key == "" {
				const prefix = "Bearer "
				if auth := r.Header.Get("Authorization"); len(auth) > len(prefix) {
					key = auth[len(prefix):]
				}
			}
			if key != s.apiKey {
				http.Error(w, "invalid api key", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request) {
	var env signaling.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "bad envelope: "+err.Error(), http.StatusBadRequest)
		return
	}
	if env.SenderID == "" || env.ReceiverID == "" {
		http.Error(w, "sender_id and receiver_id are required", http.StatusBadRequest)
		return
	}
	if !env.Type.Valid() {
		http.Error(w, "unknown signal type", http.StatusBadRequest)
		return
	}

	stored, err := s.store.Insert(r.Context(), env)
	if err != nil {
		log.Errorf("insert: %v", err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}

	s.recent.push(stored)
	s.hub.publish(stored)
	log.Debugf("relayed %s %s → %s (id=%s, subs=%d)",
		stored.Type, stored.SenderID, stored.ReceiverID, stored.ID,
		s.hub.subscriberCount(stored.ReceiverID))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(stored)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	receiver := r.URL.Query().Get("receiver_id")
	if receiver == "" {
		http.Error(w, "receiver_id is required", http.StatusBadRequest)
		return
	}
	limit := defaultFetchLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxFetchLimit {
			limit = n
		}
	}

	envs, err := s.store.ListByReceiver(r.Context(), receiver, limit)
	if err != nil {
		log.Errorf("fetch for %s: %v", receiver, err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	if envs == nil {
		envs = []signaling.Envelope{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(envs)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		log.Errorf("delete %s: %v", id, err)
		http.Error(w, "store error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleSubscribe upgrades to a websocket and streams every envelope inserted
// for receiver_id until the client goes away.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	receiver := r.URL.Query().Get("receiver_id")
	if receiver == "" {
		http.Error(w, "receiver_id is required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("upgrade for %s: %v", receiver, err)
		return
	}

	sub := s.hub.subscribe(receiver)
	defer s.hub.unsubscribe(sub)
	log.Debugf("subscriber connected for %s", receiver)

	// Reader goroutine: detects the client closing the socket.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	defer conn.Close()

	for {
		select {
		case env, ok := <-sub.ch:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				log.Debugf("subscriber for %s dropped: %v", receiver, err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			log.Debugf("subscriber for %s disconnected", receiver)
			return
		}
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"recent": s.recent.snapshot(),
	})
}
