// Package http implements the HTTP transport for the activation
// gateway. It is a thin layer between chi and the service layer:
// handlers parse and validate requests, call one service method, and
// render the result.
//
// # Request Flow
//
//	HTTP Request → chi Router → Middleware → Handler → Service
//	                                             ↓
//	HTTP Response ← render.JSON / render.Render ←┘
//
// # Handler Structure
//
// Each handler holds its service interface and a component logger:
//
//	func (h *Handler) HandleSomething(w http.ResponseWriter, r *http.Request) {
//	    req, err := parseRequest(r)
//	    if err != nil {
//	        render.Render(w, r, problemFor(err))
//	        return
//	    }
//	    result, err := h.service.DoSomething(r.Context(), req)
//	    if err != nil {
//	        h.renderError(w, r, err)
//	        return
//	    }
//	    render.JSON(w, r, result)
//	}
//
// # Error Handling
//
// Every error response is an RFC 7807 problem document:
//
//	{
//	    "type": "/errors/already-activated",
//	    "title": "License Already Activated",
//	    "status": 409,
//	    "detail": "This license is already registered to a different user.",
//	    "instance": "/api/activations#abc123",
//	    "registered_identity": "user-4821"
//	}
//
// The activation endpoint maps domain errors through
// errors.MapActivationError; everything else goes through the shared
// errors.ErrorHandler.
//
// # Routing
//
// NewRouter assembles the full surface: the public activation endpoint,
// the operator endpoints behind the admin token gate, health and metrics
// probes, and the websocket event stream. Operator routes are grouped so
// the admin middleware and audit log apply in one place.
package http
