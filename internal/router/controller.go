package router

import (
	"github.com/gorilla/mux"
)

// Controller is a group of related routes registered together.
type Controller interface {
	Register(router *mux.Router)
}

func RegisterAll(router *mux.Router, controllers ...Controller) {
	for _, controller := range controllers {
		controller.Register(router)
	}
}
