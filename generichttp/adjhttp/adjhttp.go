// Package adjhttp provides an HTTP interface to adjustables
package adjhttp

import (
	"context"
	"encoding/json"
	"errors"
	"go/types"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nasa-jpl/beamline/adjustable"
	"github.com/nasa-jpl/beamline/generichttp"
	"github.com/nasa-jpl/beamline/task"
)

// StatusT is the reply of GET /status
type StatusT struct {
	Status  string  `json:"status"`
	Moving  bool    `json:"moving"`
	Error   string  `json:"error,omitempty"`
	Elapsed float64 `json:"elapsed"`
}

// HTTPAdjustable binds an adjustable to a route table.  Moves requested
// without wait outlive the request that began them; the latest one is kept
// for /status and /stop
type HTTPAdjustable struct {
	Adj adjustable.Adjustable

	RouteTable generichttp.RouteTable

	mu   sync.Mutex
	last *task.Task
}

// NewHTTPAdjustable returns a route table wrapper around a
func NewHTTPAdjustable(a adjustable.Adjustable) *HTTPAdjustable {
	h := &HTTPAdjustable{Adj: a}
	rt := generichttp.RouteTable{
		{Method: http.MethodGet, Path: "/pos"}:    h.GetPos,
		{Method: http.MethodPost, Path: "/pos"}:   h.SetPos,
		{Method: http.MethodPost, Path: "/stop"}:  h.Stop,
		{Method: http.MethodGet, Path: "/status"}: h.Status,
		{Method: http.MethodGet, Path: "/limits"}: h.Limits,
	}
	if e := AsEnum(a); e != nil {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/state"}] = h.GetState(e)
		rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/state"}] = h.SetState(e)
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/states"}] = func(w http.ResponseWriter, r *http.Request) {
			generichttp.RespondJSON(w, e.StateNames())
		}
	}
	h.RouteTable = rt
	return h
}

// RT satisfies generichttp.HTTPer
func (h *HTTPAdjustable) RT() generichttp.RouteTable {
	return h.RouteTable
}

// AsEnum finds an *adjustable.Enum in a or beneath its wrappers, or nil
func AsEnum(a adjustable.Adjustable) *adjustable.Enum {
	for a != nil {
		if e, ok := a.(*adjustable.Enum); ok {
			return e
		}
		u, ok := a.(interface{ Unwrap() adjustable.Adjustable })
		if !ok {
			return nil
		}
		a = u.Unwrap()
	}
	return nil
}

// StatusCode maps the errors of adjustables to HTTP status codes
func StatusCode(err error) int {
	switch {
	case errors.Is(err, adjustable.ErrLimit), errors.Is(err, adjustable.ErrUnknownState),
		errors.Is(err, adjustable.ErrDimension):
		return http.StatusBadRequest
	case errors.Is(err, task.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, adjustable.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func boolQuery(r *http.Request, key string) (bool, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return false, nil
	}
	return strconv.ParseBool(s)
}

// begin starts a move, unbound from the request, and waits for it if the
// request asks to.  It writes the response
func (h *HTTPAdjustable) begin(w http.ResponseWriter, r *http.Request, start func(context.Context) *task.Task) {
	wait, err := boolQuery(r, "wait")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	t := start(context.Background())
	h.mu.Lock()
	h.last = t
	h.mu.Unlock()
	if !wait {
		// a move rejected outright is still reported synchronously
		select {
		case <-t.Done():
			if err := t.Err(); err != nil {
				http.Error(w, err.Error(), StatusCode(err))
				return
			}
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusAccepted)
		}
		return
	}
	if err := t.Wait(r.Context()); err != nil {
		http.Error(w, err.Error(), StatusCode(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetPos replies with the position as {"f64": pos}
func (h *HTTPAdjustable) GetPos(w http.ResponseWriter, r *http.Request) {
	pos, err := h.Adj.Get(r.Context())
	if err != nil {
		http.Error(w, err.Error(), StatusCode(err))
		return
	}
	hp := generichttp.HumanPayload{T: types.Float64, Float: pos}
	hp.EncodeAndRespond(w, r)
}

// SetPos begins an absolute or relative move based on the relative query
// parameter.  With wait=true the reply is sent once the move is over,
// otherwise 202 is replied as soon as it has begun
func (h *HTTPAdjustable) SetPos(w http.ResponseWriter, r *http.Request) {
	rel, err := boolQuery(r, "relative")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f := generichttp.FloatT{}
	err = json.NewDecoder(r.Body).Decode(&f)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.begin(w, r, func(ctx context.Context) *task.Task {
		if rel {
			return adjustable.MoveRel(ctx, h.Adj, f.F64)
		}
		return h.Adj.Set(ctx, f.F64)
	})
}

// Stop halts the adjustable, or failing that the latest move begun here
func (h *HTTPAdjustable) Stop(w http.ResponseWriter, r *http.Request) {
	var err error
	if s, ok := h.Adj.(adjustable.Stoppable); ok {
		err = s.Stop(r.Context())
	}
	h.mu.Lock()
	t := h.last
	h.mu.Unlock()
	if t != nil {
		if terr := t.Stop(); err == nil {
			err = terr
		}
	}
	if err != nil {
		http.Error(w, err.Error(), StatusCode(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Status replies with the state of the latest move begun here
func (h *HTTPAdjustable) Status(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	t := h.last
	h.mu.Unlock()
	st := StatusT{Status: task.Done.String()}
	if t != nil {
		s := t.Status()
		st.Status = s.String()
		st.Moving = !s.Finished()
		st.Elapsed = t.Elapsed().Round(time.Millisecond).Seconds()
		if err := t.Err(); err != nil {
			st.Error = err.Error()
		}
	}
	generichttp.RespondJSON(w, st)
}

// Limits replies with the software limits, or null if there are none
func (h *HTTPAdjustable) Limits(w http.ResponseWriter, r *http.Request) {
	if l, ok := h.Adj.(adjustable.LimitReporter); ok {
		generichttp.RespondJSON(w, l.Limits())
		return
	}
	generichttp.RespondJSON(w, nil)
}

// GetState replies with the state of an enum as {"str": state}; "" is
// between states
func (h *HTTPAdjustable) GetState(e *adjustable.Enum) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v, err := h.Adj.Get(r.Context())
		if err != nil {
			http.Error(w, err.Error(), StatusCode(err))
			return
		}
		hp := generichttp.HumanPayload{T: types.String, String: e.Lookup(v)}
		hp.EncodeAndRespond(w, r)
	}
}

// SetState moves an enum to the state named by {"str": state}.  The move
// goes through the wrapped adjustable so its limits hold
func (h *HTTPAdjustable) SetState(e *adjustable.Enum) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s := generichttp.StrT{}
		err := json.NewDecoder(r.Body).Decode(&s)
		defer r.Body.Close()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		v, ok := e.States[s.Str]
		if !ok {
			http.Error(w, "unknown state "+strconv.Quote(s.Str), http.StatusBadRequest)
			return
		}
		h.begin(w, r, func(ctx context.Context) *task.Task {
			return h.Adj.Set(ctx, v)
		})
	}
}
