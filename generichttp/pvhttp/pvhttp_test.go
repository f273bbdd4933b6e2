package pvhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/beamline/pv"
)

func serve(t *testing.T, m *pv.Mock) *httptest.Server {
	r := chi.NewRouter()
	NewGateway(m, nil).RT().Bind(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestGatewayWithHTTPProvider(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := pv.NewMock()
	m.Strict = true
	m.Set("SAR:MOT1.RBV", 1.5)
	m.Set("SAR:MOT1.VAL", 0)
	m.SetString("SAR:MODE", "Burst")
	srv := serve(t, m)

	p := pv.NewHTTPProvider(srv.URL)
	v, err := p.Channel("SAR:MOT1.RBV").Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	s, err := p.Channel("SAR:MODE").GetString(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Burst", s)

	require.NoError(t, p.Channel("SAR:MOT1.VAL").Put(ctx, 3))
	assert.Equal(t, 3.0, m.Value("SAR:MOT1.VAL"))
	require.NoError(t, p.Channel("SAR:MODE").PutString(ctx, "Single"))

	_, err = p.Channel("SAR:NOPE").Get(ctx)
	assert.ErrorIs(t, err, pv.ErrNotFound)
	_, err = p.Channel("SAR:MODE").Get(ctx)
	assert.Error(t, err, "string PV read as a number")
}

func TestMonitorOverWebsocket(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := pv.NewMock()
	m.Set("SAR:DIODE", 1)
	srv := serve(t, m)

	ch := pv.NewHTTPProvider(srv.URL).Channel("SAR:DIODE")
	updates, err := pv.Monitor(ctx, ch, 0)
	require.NoError(t, err)

	first := <-updates
	assert.Equal(t, "SAR:DIODE", first.Name)
	assert.Equal(t, 1.0, first.Value)

	m.Set("SAR:DIODE", 2)
	select {
	case u := <-updates:
		assert.Equal(t, 2.0, u.Value)
	case <-ctx.Done():
		t.Fatal("no update")
	}

	cancel()
	for range updates {
	}
}

func TestListNames(t *testing.T) {
	m := pv.NewMock()
	m.Set("B", 0)
	m.Set("A", 0)
	srv := serve(t, m)
	resp, err := http.Get(srv.URL + "/pv")
	require.NoError(t, err)
	defer resp.Body.Close()
	var names []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&names))
	assert.Equal(t, []string{"A", "B"}, names)
}
