package app

import (
	"net/http"

	"github.com/bitsave/pools/pkg/identity"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

const WalletAddressHeader = "X-Wallet-Address"

// SetupMiddleware wires all HTTP middlewares for the application.
func SetupMiddleware(r *mux.Router) {
	r.Use(CallerMiddleware)
}

// CallerMiddleware propagates the X-Wallet-Address header into the request context. Requests
// without the header pass through anonymously; a malformed address is rejected.
func CallerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		log.Debug("Propagating wallet address header")

		header := req.Header.Get(WalletAddressHeader)
		ctx := req.Context()

		if header != "" {
			caller, err := identity.Parse(header)
			if err != nil {
				log.Debugf("invalid wallet address: %s", header)
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			ctx = identity.WithCaller(ctx, caller)
		}
		next.ServeHTTP(w, req.WithContext(ctx))
	})
}
