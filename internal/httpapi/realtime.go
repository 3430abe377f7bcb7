package httpapi

import (
	"net/http"
	"strings"

	"qms/clinic-queue/internal/hub"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/rs/zerolog"
)

const (
	closeUnauthorized = 4001
	clientBufferSize  = 16
)

// realtimeSession is the part of sockjs.Session the dashboard feed uses.
type realtimeSession interface {
	Request() *http.Request
	Recv() (string, error)
	Send(string) error
	Close(status uint32, reason string) error
}

type realtime struct {
	hub    *hub.Hub
	auth   *Authenticator
	logger zerolog.Logger
}

// NewRealtimeHandler serves the staff dashboard feed under /realtime. Clients
// authenticate with the same bearer token as the staff API and receive events
// for their own clinic only.
func NewRealtimeHandler(h *hub.Hub, auth *Authenticator, logger zerolog.Logger) http.Handler {
	rt := &realtime{hub: h, auth: auth, logger: logger}
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		rt.serve(session)
	})
}

func (rt *realtime) serve(session realtimeSession) {
	req := session.Request()
	if req == nil {
		_ = session.Close(closeUnauthorized, "unauthorized")
		return
	}
	claims, err := rt.auth.Authenticate(req)
	if err != nil {
		_ = session.Close(closeUnauthorized, "unauthorized")
		return
	}

	client := &hub.Client{
		ID:           uuid.NewString(),
		Send:         make(chan []byte, clientBufferSize),
		Subscription: hub.Subscription{TenantID: claims.TenantID},
	}
	rt.hub.Register(client)
	defer rt.hub.Unregister(client)
	rt.logger.Debug().Str("client_id", client.ID).Str("tenant_id", claims.TenantID).Msg("realtime client connected")

	go func() {
		for msg := range client.Send {
			if err := session.Send(string(msg)); err != nil {
				return
			}
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			rt.logger.Debug().Str("client_id", client.ID).Msg("realtime client disconnected")
			return
		}
		parsed, ok := hub.ParseSubscribe([]byte(msg))
		if !ok {
			continue
		}
		if parsed.Action == "unsubscribe" {
			rt.hub.UpdateSubscription(client, hub.Subscription{})
			continue
		}
		rt.hub.UpdateSubscription(client, hub.Subscription{
			TenantID:     claims.TenantID,
			SpecialistID: strings.TrimSpace(parsed.SpecialistID),
		})
	}
}
