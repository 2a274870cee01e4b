package router

import (
	"github.com/go-chi/chi/v5"

	v1 "github.com/sigortix/paycore/router/v1"

	// Import for side-effect registration
	_ "github.com/sigortix/paycore/gateway/msu"
)

func Routes(r chi.Router, deps v1.Dependencies) {
	r.Route("/v1", func(r chi.Router) {
		v1.Routes(r, deps)
	})
}
