// Package api is the HTTP shell: routing, request decoding, status mapping
// and the WebSocket upgrade path. All domain behavior lives below it.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/openguild/openguild/internal/auth"
	"github.com/openguild/openguild/internal/federation"
	"github.com/openguild/openguild/internal/gateway"
	"github.com/openguild/openguild/internal/messaging"
	"github.com/openguild/openguild/internal/middleware"
	"github.com/openguild/openguild/internal/mls"
	"github.com/openguild/openguild/internal/storage"
)

// Server wires the HTTP surface to the domain services.
type Server struct {
	authority  *auth.Authority
	users      storage.UserStore
	messaging  *messaging.Service
	gateway    *gateway.Gateway
	federation *federation.Verifier
	keyPkgs    *mls.Registry
	log        *logrus.Entry
	httpSrv    *http.Server
}

// NewServer builds the server; keyPkgs may be nil, in which case the MLS
// endpoints answer 501.
func NewServer(authority *auth.Authority, users storage.UserStore, msg *messaging.Service,
	gw *gateway.Gateway, fed *federation.Verifier, keyPkgs *mls.Registry) *Server {
	return &Server{
		authority:  authority,
		users:      users,
		messaging:  msg,
		gateway:    gw,
		federation: fed,
		keyPkgs:    keyPkgs,
		log:        logrus.WithField("component", "api"),
	}
}

// Router assembles the route table. Public routes first, then the bearer
// subrouter so RequireAuth only guards what needs it.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.RequestID)

	r.HandleFunc("/sessions/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/sessions/refresh", s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/sessions/revoke", s.handleRevoke).Methods(http.MethodPost)
	r.HandleFunc("/users/register", s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/federation/transactions", s.handleFederationTransactions).Methods(http.MethodPost)

	authed := r.NewRoute().Subrouter()
	authed.Use(middleware.RequireAuth(s.authority))
	authed.HandleFunc("/users/me", s.handleMe).Methods(http.MethodGet)
	authed.HandleFunc("/guilds", s.handleCreateGuild).Methods(http.MethodPost)
	authed.HandleFunc("/guilds", s.handleListGuilds).Methods(http.MethodGet)
	authed.HandleFunc("/guilds/{guild_id}/channels", s.handleCreateChannel).Methods(http.MethodPost)
	authed.HandleFunc("/guilds/{guild_id}/channels", s.handleListChannels).Methods(http.MethodGet)
	authed.HandleFunc("/channels/{channel_id}/messages", s.handlePostMessage).Methods(http.MethodPost)
	authed.HandleFunc("/channels/{channel_id}/events", s.handleListEvents).Methods(http.MethodGet)
	authed.HandleFunc("/channels/{channel_id}/socket", s.handleSocket).Methods(http.MethodGet)
	authed.HandleFunc("/mls/key_packages", s.handleListKeyPackages).Methods(http.MethodGet)
	authed.HandleFunc("/mls/key_packages", s.handlePublishKeyPackage).Methods(http.MethodPost)
	authed.HandleFunc("/mls/key_packages/rotate", s.handleRotateKeyPackage).Methods(http.MethodPost)

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithField("addr", addr).Info("listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains the listener. In-flight sockets close on peer hang-up or
// send timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
