package handlers

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/hongminglow/all-in-ledger/internal/auth"
	"github.com/hongminglow/all-in-ledger/internal/http/respond"
	"github.com/hongminglow/all-in-ledger/internal/middleware"
)

// Routes groups the handlers served by the API.
type Routes struct {
	Health *HealthHandler
	Auth   *AuthHandler
	Ledger *LedgerHandler
	Tokens *auth.TokenManager
}

// Router builds the route tree. Public routes sit on the root, admin routes
// under /admin, everything else requires a bearer token.
func (rt Routes) Router() *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respond.Error(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respond.Error(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	rt.Health.Register(r)
	rt.Auth.Register(r)

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.Authenticate(rt.Tokens), middleware.RequireAdmin)
	rt.Ledger.RegisterAdmin(admin)

	api := r.NewRoute().Subrouter()
	api.Use(middleware.Authenticate(rt.Tokens))
	rt.Ledger.Register(api)

	return r
}
