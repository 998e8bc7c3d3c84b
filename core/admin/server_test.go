package admin

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sugawarayuuta/sonnet"
	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/net/http2"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/segserver/core/observability"
)

func registry() *observability.Registry {
	reg := observability.NewRegistry()
	w := reg.Worker(0)
	w.Records.Add(10)
	w.Failed.Add(5)
	w.Accepted.Add(2)
	reg.Worker(1).Records.Add(3)
	return reg
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	s := NewServer(Config{Log: zerolog.Nop()}, registry())
	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok\n", rec.Body.String())
}

func TestStatsFormats(t *testing.T) {
	s := NewServer(Config{Log: zerolog.Nop()}, registry())

	t.Run("json", func(t *testing.T) {
		rec := get(t, s.Handler(), "/stats")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var r Report
		require.NoError(t, sonnet.Unmarshal(rec.Body.Bytes(), &r))
		assert.EqualValues(t, 13, r.Total.Records)
		assert.EqualValues(t, 2, r.Total.Accepted)
		assert.Len(t, r.Workers, 2)
		require.NotEmpty(t, r.Warnings)
		assert.Equal(t, "failures", r.Warnings[0].Type)
		assert.Positive(t, r.Runtime.NumGoroutine)
	})

	t.Run("msgpack", func(t *testing.T) {
		rec := get(t, s.Handler(), "/stats?format=msgpack")
		require.Equal(t, http.StatusOK, rec.Code)

		var r Report
		require.NoError(t, msgpack.Unmarshal(rec.Body.Bytes(), &r))
		assert.EqualValues(t, 13, r.Total.Records)
		assert.EqualValues(t, -1, r.Total.ID)
	})

	t.Run("protobuf", func(t *testing.T) {
		rec := get(t, s.Handler(), "/stats?format=protobuf")
		require.Equal(t, http.StatusOK, rec.Code)

		var st structpb.Struct
		require.NoError(t, proto.Unmarshal(rec.Body.Bytes(), &st))
		total := st.GetFields()["total"].GetStructValue()
		require.NotNil(t, total)
		assert.EqualValues(t, 13, total.GetFields()["records"].GetNumberValue())
	})

	t.Run("unknown", func(t *testing.T) {
		rec := get(t, s.Handler(), "/stats?format=xml")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestServeOverH2C(t *testing.T) {
	s := NewServer(Config{Log: zerolog.Nop()}, registry())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Serve(ln) }()

	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
	}
	resp, err := client.Get("http://" + ln.Addr().String() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, 2, resp.ProtoMajor)
	assert.Equal(t, "ok\n", string(body))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-done)
	assert.ErrorIs(t, s.Serve(ln), ErrClosed)
}
