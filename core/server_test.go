package core

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/segserver/core/frame"
	"github.com/searchktools/segserver/core/record"
	"github.com/searchktools/segserver/core/transform"
	"github.com/searchktools/segserver/core/worker"
)

const testSegment = 4096

func testKeys(t testing.TB) transform.Keys {
	keys, err := transform.DeriveKeys([]byte("server test secret"))
	require.NoError(t, err)
	return keys
}

func runServer(t testing.TB, network, addr string, workers int) *Server {
	t.Helper()
	s, err := NewServer(Options{
		Network: network,
		Addr:    addr,
		Workers: workers,
		Worker:  worker.Config{SegmentSize: testSegment, Depth: 64, IdleWait: 10 * time.Millisecond},
		Keys:    testKeys(t),
		Log:     zerolog.Nop(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return s
}

// exchange sends n requests on one connection and checks every echo.
func exchange(t testing.TB, network, addr string, tag string, n int) error {
	c, err := net.Dial(network, addr)
	if err != nil {
		return err
	}
	defer c.Close()
	if err := c.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	codec := record.ClientCodec(testKeys(t), testSegment)

	var buf []byte
	for i := range n {
		body := fmt.Sprintf("%s-%d", tag, i)
		rec, err := codec.Encode(frame.NewHeader(frame.TypeRequest, uint32(i)), []byte(body))
		if err != nil {
			return err
		}
		if _, err := c.Write(rec); err != nil {
			return err
		}
		if buf, err = record.Read(c, buf, testSegment); err != nil {
			return err
		}
		h, got, err := codec.Decode(buf)
		if err != nil {
			return err
		}
		if h.Type != frame.TypeResponse || h.RequestID != uint32(i) || string(got) != body {
			return fmt.Errorf("request %d: got type %d id %d body %q", i, h.Type, h.RequestID, got)
		}
	}
	return nil
}

func TestServerUnix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.sock")
	s := runServer(t, NetworkUnix, path, 2)
	assert.Equal(t, path, s.Addr())
	assert.Equal(t, 2, s.Workers())

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- exchange(t, "unix", path, fmt.Sprintf("client%d", i), 25)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	snap := s.Stats().Snapshot()
	assert.EqualValues(t, 8*25, snap.Total.Records)
	assert.EqualValues(t, 8, snap.Total.Accepted)
	assert.Len(t, snap.Workers, 2)
}

func TestServerTCPReusePort(t *testing.T) {
	s := runServer(t, NetworkTCP, "127.0.0.1:0", 3)
	host, port, err := net.SplitHostPort(s.Addr())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", host)
	assert.NotEqual(t, "0", port)

	for i := range 6 {
		require.NoError(t, exchange(t, "tcp", s.Addr(), fmt.Sprintf("tcp%d", i), 5))
	}
	assert.EqualValues(t, 30, s.Stats().Snapshot().Total.Records)
}

func TestServerStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stop.sock")
	s, err := NewServer(Options{
		Network: NetworkUnix,
		Addr:    path,
		Workers: 1,
		Worker:  worker.Config{SegmentSize: testSegment, Depth: 8},
		Keys:    testKeys(t),
		Log:     zerolog.Nop(),
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	require.NoError(t, exchange(t, "unix", path, "stop", 1))

	s.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not end Run")
	}
	_, err = net.Dial("unix", path)
	assert.Error(t, err, "socket removed")
}

func TestNewServerErrors(t *testing.T) {
	keys := testKeys(t)
	_, err := NewServer(Options{Network: NetworkTCP, Addr: "127.0.0.1:0", Keys: keys})
	assert.ErrorIs(t, err, ErrNoWorkers)

	_, err = NewServer(Options{Network: "udp", Addr: "127.0.0.1:0", Workers: 1, Keys: keys})
	assert.ErrorIs(t, err, ErrNetwork)

	_, err = NewServer(Options{Network: NetworkTCP, Addr: "not an address", Workers: 1, Keys: keys})
	assert.ErrorIs(t, err, ErrAddress)

	_, err = NewServer(Options{
		Network: NetworkUnix,
		Addr:    filepath.Join(t.TempDir(), "tiny.sock"),
		Workers: 1,
		Worker:  worker.Config{SegmentSize: 64},
		Keys:    keys,
	})
	assert.Error(t, err)
}

func TestStress(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}
	path := filepath.Join(t.TempDir(), "stress.sock")
	s := runServer(t, NetworkUnix, path, 4)

	const clients, requests = 64, 100
	var wg sync.WaitGroup
	errs := make(chan error, clients)
	for i := range clients {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- exchange(t, "unix", path, fmt.Sprintf("stress%d", i), requests)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, clients*requests, s.Stats().Snapshot().Total.Records)
}
