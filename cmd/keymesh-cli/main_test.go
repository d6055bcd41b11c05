package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/keymesh-go/internal/httpapi"
	"github.com/rmacdonaldsmith/keymesh-go/internal/meshnode"
	"github.com/rmacdonaldsmith/keymesh-go/internal/transport"
	meshnodepkg "github.com/rmacdonaldsmith/keymesh-go/pkg/meshnode"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

// startDaemon runs a router on mem/d and points the CLI's transports at
// the same in-memory network.
func startDaemon(t *testing.T) *meshnode.Runtime {
	t.Helper()
	reg := transport.NewRegistry(transport.NewMemNetwork(transport.MemOptions{}).Transport())
	rt, err := meshnode.New(meshnode.NewConfig(peerlink.ModeRouter).WithListen("mem/d").WithRegistry(reg))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))

	registry = reg
	t.Cleanup(func() {
		registry = nil
		_ = rt.Close()
	})
	return rt
}

// execute runs the CLI with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPublish(t *testing.T) {
	daemon := startDaemon(t)

	var (
		mu      sync.Mutex
		samples []*routingtable.Sample
	)
	_, err := daemon.DeclareSubscriber(context.Background(), "demo/**", func(s *routingtable.Sample) {
		mu.Lock()
		samples = append(samples, s)
		mu.Unlock()
	}, meshnodepkg.SubscriberOptions{})
	require.NoError(t, err)

	out, err := execute(t, "publish", "demo/a", "hello", "--connect", "mem/d", "--settle", "300ms", "--attach", "unit=c")
	require.NoError(t, err)
	assert.Contains(t, out, "Published 1 put sample(s) on demo/a")

	out, err = execute(t, "publish", "demo/a", "--delete", "--connect", "mem/d", "--settle", "300ms")
	require.NoError(t, err)
	assert.Contains(t, out, "delete")

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(samples) == 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "demo/a", samples[0].Key.String())
	assert.Equal(t, "hello", string(samples[0].Payload))
	assert.Equal(t, routingtable.Encoding("text/plain"), samples[0].Encoding)
	unit, ok := samples[0].Attachment.Get([]byte("unit"))
	assert.True(t, ok)
	assert.Equal(t, "c", string(unit))
	assert.Equal(t, routingtable.Delete, samples[1].Kind)
}

func TestPublish_Errors(t *testing.T) {
	startDaemon(t)

	_, err := execute(t, "publish", "demo/a", "--connect", "mem/d")
	assert.ErrorContains(t, err, "a value is required")

	_, err = execute(t, "publish", "demo//a", "x", "--connect", "mem/d", "--settle", "0")
	assert.ErrorContains(t, err, "failed to publish")

	_, err = execute(t, "publish", "demo/a", "x", "--connect", "mem/nowhere", "--timeout", "200ms")
	assert.ErrorContains(t, err, "failed to join the mesh")

	_, err = execute(t, "publish", "demo/a", "x", "--mode", "router", "--connect", "mem/d")
	assert.Error(t, err)

	_, err = execute(t, "publish", "demo/a", "x", "--attach", "novalue", "--connect", "mem/d")
	assert.ErrorContains(t, err, "invalid attachment")
}

func TestSubscribe(t *testing.T) {
	daemon := startDaemon(t)

	var (
		out  string
		err  error
		done = make(chan struct{})
	)
	go func() {
		defer close(done)
		out, err = execute(t, "subscribe", "demo/**", "--count", "2", "--duration", "10s", "--connect", "mem/d")
	}()

	require.Eventually(t, func() bool {
		for _, r := range daemon.Routes() {
			if r.Key == "demo/**" && len(r.Subscribers) > 0 {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, daemon.Publish(ctx, "demo/x", []byte("hi"), meshnodepkg.PublishOptions{Encoding: "text/plain"}))
	require.NoError(t, daemon.Publish(ctx, "other/x", []byte("ignored"), meshnodepkg.PublishOptions{}))
	require.NoError(t, daemon.Delete(ctx, "demo/y", meshnodepkg.PublishOptions{}))

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("subscribe did not return")
	}
	require.NoError(t, err)
	assert.Contains(t, out, "[put] demo/x: hi (text/plain)")
	assert.Contains(t, out, "[delete] demo/y")
	assert.NotContains(t, out, "ignored")
}

func TestQuery(t *testing.T) {
	daemon := startDaemon(t)
	_, err := daemon.DeclareQueryable(context.Background(), "demo/q", func(q meshnodepkg.Query) {
		answer := "42"
		if q.Parameters()["unit"] == "f" {
			answer = "107.6"
		}
		_ = q.Reply("demo/q", []byte(answer), meshnodepkg.ReplyOptions{Encoding: "text/plain"})
	}, meshnodepkg.QueryableOptions{})
	require.NoError(t, err)

	out, err := execute(t, "query", "demo/q", "--consolidation", "unique", "--connect", "mem/d", "--settle", "300ms")
	require.NoError(t, err)
	assert.Contains(t, out, "[put] demo/q: 42")
	assert.Contains(t, out, "Query complete, 1 replies")

	out, err = execute(t, "query", "demo/q?unit=f", "--connect", "mem/d", "--settle", "300ms")
	require.NoError(t, err)
	assert.Contains(t, out, "demo/q: 107.6")

	out, err = execute(t, "query", "nothing/here", "--connect", "mem/d", "--settle", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "Query complete, 0 replies")

	_, err = execute(t, "query", "demo/q", "--consolidation", "most", "--connect", "mem/d")
	assert.Error(t, err)
}

func TestAdminCommands(t *testing.T) {
	daemon := startDaemon(t)
	_, err := daemon.DeclareSubscriber(context.Background(), "sensor/**", func(*routingtable.Sample) {}, meshnodepkg.SubscriberOptions{})
	require.NoError(t, err)

	server, err := httpapi.NewServer(daemon, httpapi.Config{})
	require.NoError(t, err)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	out, err := execute(t, "health", "--admin", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Runtime is healthy")
	assert.Contains(t, out, "ID: "+daemon.ID().String())
	assert.Contains(t, out, "Mode: router")

	out, err = execute(t, "routes", "--admin", ts.URL, "--key", "sensor/temp")
	require.NoError(t, err)
	assert.Contains(t, out, "sensor/**")

	out, err = execute(t, "routes", "--admin", ts.URL, "--key", "lights/*")
	require.NoError(t, err)
	assert.Contains(t, out, "No routes")

	out, err = execute(t, "peers", "--admin", ts.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Self: "+daemon.ID().String())
	assert.Contains(t, out, "No peers")

	require.NoError(t, daemon.Close())
	out, err = execute(t, "health", "--admin", ts.URL)
	assert.Error(t, err)
	assert.Contains(t, out, "Runtime is not healthy")
	assert.True(t, strings.Contains(out, "runtime is closed"))
}

func TestParseAttachment(t *testing.T) {
	a, err := parseAttachment([]string{"b=2", "a=1", "b=3", "empty="})
	require.NoError(t, err)
	require.Len(t, a, 4)
	assert.Equal(t, "b", string(a[0].Key))
	v, ok := a.Get([]byte("b"))
	assert.True(t, ok)
	assert.Equal(t, "2", string(v))
	v, ok = a.Get([]byte("empty"))
	assert.True(t, ok)
	assert.Empty(t, v)

	_, err = parseAttachment([]string{"=x"})
	assert.Error(t, err)
}
