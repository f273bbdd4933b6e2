// Package pvhttp serves process variables over HTTP, the server side of
// pv.HTTPProvider, with a websocket route streaming value changes
package pvhttp

import (
	"context"
	"encoding/json"
	"errors"
	"go/types"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi"
	"github.com/gorilla/websocket"

	"github.com/nasa-jpl/beamline/generichttp"
	"github.com/nasa-jpl/beamline/logging"
	"github.com/nasa-jpl/beamline/pv"
)

// Lister is a provider which can enumerate its channels
type Lister interface {
	Names() []string
}

// Gateway exposes a pv.Provider:
//
//	GET  /pv/{name}          {"f64": v}, or {"str": s} with ?as=str
//	POST /pv/{name}          the same bodies
//	GET  /pv/{name}/monitor  websocket of pv.Update JSON messages
//	GET  /pv                 names, if the provider is a Lister
type Gateway struct {
	Provider pv.Provider

	// Poll is the poll interval of monitors on channels which cannot push
	Poll time.Duration

	Logger *slog.Logger

	RouteTable generichttp.RouteTable

	upgrader websocket.Upgrader
}

// NewGateway returns a gateway serving p
func NewGateway(p pv.Provider, logger *slog.Logger) *Gateway {
	g := &Gateway{
		Provider: p,
		Poll:     pv.DefaultPollInterval,
		Logger:   logging.OrDefault(logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // control room clients come from anywhere on the network
			},
		},
	}
	g.RouteTable = generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/pv/{name}"}:         g.Get,
		{Method: http.MethodPost, Path: "/pv/{name}"}:        g.Put,
		{Method: http.MethodGet, Path: "/pv/{name}/monitor"}: g.Monitor,
	}
	if l, ok := p.(Lister); ok {
		g.RouteTable[generichttp.MethodPath{Method: http.MethodGet, Path: "/pv"}] = func(w http.ResponseWriter, r *http.Request) {
			generichttp.RespondJSON(w, l.Names())
		}
	}
	return g
}

// RT satisfies generichttp.HTTPer
func (g *Gateway) RT() generichttp.RouteTable {
	return g.RouteTable
}

func (g *Gateway) channel(r *http.Request) (pv.Channel, error) {
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		return nil, err
	}
	return g.Provider.Channel(name), nil
}

func statusCode(err error) int {
	switch {
	case errors.Is(err, pv.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pv.ErrNotNumeric):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Get replies with the value of a channel
func (g *Gateway) Get(w http.ResponseWriter, r *http.Request) {
	ch, err := g.channel(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var hp generichttp.HumanPayload
	if r.URL.Query().Get("as") == "str" {
		s, err := ch.GetString(r.Context())
		if err != nil {
			http.Error(w, err.Error(), statusCode(err))
			return
		}
		hp = generichttp.HumanPayload{T: types.String, String: s}
	} else {
		f, err := ch.Get(r.Context())
		if err != nil {
			http.Error(w, err.Error(), statusCode(err))
			return
		}
		hp = generichttp.HumanPayload{T: types.Float64, Float: f}
	}
	hp.EncodeAndRespond(w, r)
}

// Put writes a channel from {"f64": v} or {"str": s}
func (g *Gateway) Put(w http.ResponseWriter, r *http.Request) {
	ch, err := g.channel(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	body := struct {
		F64 *float64 `json:"f64"`
		Str *string  `json:"str"`
	}{}
	err = json.NewDecoder(r.Body).Decode(&body)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch {
	case body.Str != nil:
		err = ch.PutString(r.Context(), *body.Str)
	case body.F64 != nil:
		err = ch.Put(r.Context(), *body.F64)
	default:
		http.Error(w, `body must hold "f64" or "str"`, http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), statusCode(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Monitor upgrades to a websocket and streams the changes of a channel
// until the client goes away
func (g *Gateway) Monitor(w http.ResponseWriter, r *http.Request) {
	ch, err := g.channel(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.Logger.Warn("websocket upgrade failed", "pv", ch.Name(), "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		// the client sends nothing; a read error means it left
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	updates, err := pv.Monitor(ctx, ch, g.Poll)
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return
	}
	g.Logger.Debug("monitor opened", "pv", ch.Name())
	for u := range updates {
		if err := conn.WriteJSON(u); err != nil {
			break
		}
	}
	g.Logger.Debug("monitor closed", "pv", ch.Name())
}
