package http

import (
	"github.com/go-chem-api/internal/application/auth"
	"github.com/go-chem-api/internal/application/prediction"
	"github.com/go-chem-api/internal/application/registration"
	"github.com/go-chem-api/internal/application/session"
	"github.com/go-chem-api/internal/application/user"
	appmiddleware "github.com/go-chem-api/internal/transport/http/middleware"
)

// Deps holds the services the router exposes.
type Deps struct {
	Sessions      session.Service
	Users         user.Service
	Registrations registration.Service
	Auth          auth.Service
	Predictions   prediction.Service
	Tokens        appmiddleware.TokenVerifier
}
