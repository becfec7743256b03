package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestSetThenGetRoundTrip(t *testing.T) {
	cmds := newFakeCommands()
	client := mustNewTestClient(cmds, "", 0)

	result := json.RawMessage(`{"temp":21}`)
	err := client.Set(context.Background(), "tool:abc", result)
	require.NoError(t, err)

	stored, ok := cmds.values["ensemble:tool:abc"]
	require.True(t, ok, "key should carry the default prefix")
	require.JSONEq(t, `{"temp":21}`, stored)
	require.Equal(t, defaultTTL, cmds.ttls["ensemble:tool:abc"])

	got, found, err := client.Get(context.Background(), "tool:abc")
	require.NoError(t, err)
	require.True(t, found)
	require.JSONEq(t, `{"temp":21}`, string(got))
}

func TestGetMissReturnsNoResult(t *testing.T) {
	client := mustNewTestClient(newFakeCommands(), "", 0)

	got, found, err := client.Get(context.Background(), "tool:missing")
	require.NoError(t, err)
	require.False(t, found)
	require.Nil(t, got)
}

func TestCustomPrefixAndTTL(t *testing.T) {
	cmds := newFakeCommands()
	client := mustNewTestClient(cmds, "triage:", time.Minute)

	err := client.Set(context.Background(), "tool:abc", json.RawMessage(`1`))
	require.NoError(t, err)
	require.Contains(t, cmds.values, "triage:tool:abc")
	require.Equal(t, time.Minute, cmds.ttls["triage:tool:abc"])
}

func TestGetPropagatesError(t *testing.T) {
	cmds := newFakeCommands()
	cmds.getErr = errors.New("redis down")
	client := mustNewTestClient(cmds, "", 0)

	_, found, err := client.Get(context.Background(), "tool:abc")
	require.False(t, found)
	require.EqualError(t, err, "redis down")
}

func TestSetPropagatesError(t *testing.T) {
	cmds := newFakeCommands()
	cmds.setErr = errors.New("oom")
	client := mustNewTestClient(cmds, "", 0)

	err := client.Set(context.Background(), "tool:abc", json.RawMessage(`1`))
	require.EqualError(t, err, "oom")
}

func TestKeyValidation(t *testing.T) {
	client := mustNewTestClient(newFakeCommands(), "", 0)

	_, _, err := client.Get(context.Background(), "")
	require.EqualError(t, err, "key is required")
	err = client.Set(context.Background(), "", json.RawMessage(`1`))
	require.EqualError(t, err, "key is required")
}

func TestPingDelegates(t *testing.T) {
	cmds := newFakeCommands()
	client := mustNewTestClient(cmds, "", 0)
	require.NoError(t, client.Ping(context.Background()))
	require.Equal(t, clientName, client.Name())

	cmds.pingErr = errors.New("no pong")
	require.EqualError(t, client.Ping(context.Background()), "no pong")
}

func mustNewTestClient(cmds commands, prefix string, ttl time.Duration) *client {
	cl, err := newClientWithCommands(cmds, prefix, ttl, time.Second)
	if err != nil {
		panic(err)
	}
	return cl
}

type fakeCommands struct {
	values  map[string]string
	ttls    map[string]time.Duration
	getErr  error
	setErr  error
	pingErr error
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{
		values: make(map[string]string),
		ttls:   make(map[string]time.Duration),
	}
}

func (f *fakeCommands) Get(ctx context.Context, key string) *goredis.StringCmd {
	if f.getErr != nil {
		return goredis.NewStringResult("", f.getErr)
	}
	v, ok := f.values[key]
	if !ok {
		return goredis.NewStringResult("", goredis.Nil)
	}
	return goredis.NewStringResult(v, nil)
}

func (f *fakeCommands) Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd {
	if f.setErr != nil {
		return goredis.NewStatusResult("", f.setErr)
	}
	b, ok := value.([]byte)
	if !ok {
		return goredis.NewStatusResult("", errors.New("unexpected value type"))
	}
	f.values[key] = string(b)
	f.ttls[key] = expiration
	return goredis.NewStatusResult("OK", nil)
}

func (f *fakeCommands) Ping(ctx context.Context) *goredis.StatusCmd {
	if f.pingErr != nil {
		return goredis.NewStatusResult("", f.pingErr)
	}
	return goredis.NewStatusResult("PONG", nil)
}
