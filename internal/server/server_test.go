package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/krunerge/ceph/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(nil)
	require.NoError(t, err)
	cfg.ReadTimeout = 2 * time.Second
	cfg.ShutdownTimeout = 100 * time.Millisecond
	return cfg
}

func startServer(t *testing.T, cfg *config.Config) string {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New(cfg, log)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.RunOnListener(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ln.Addr().String()
}

// rawConn speaks the three-line protocol directly and skips async push
// lines while waiting for a response.
type rawConn struct {
	t *testing.T
	c net.Conn
	r *bufio.Reader
}

func dialRaw(t *testing.T, addr string) *rawConn {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return &rawConn{t: t, c: c, r: bufio.NewReader(c)}
}

func (rc *rawConn) send(cmd, key, arg string) {
	rc.t.Helper()
	_, err := rc.c.Write([]byte(cmd + "\n" + key + "\n" + arg + "\n"))
	require.NoError(rc.t, err)
}

func (rc *rawConn) readLine() string {
	rc.t.Helper()
	rc.c.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := rc.r.ReadString('\n')
	require.NoError(rc.t, err)
	return strings.TrimRight(line, "\r\n")
}

// response reads the next non-push line.
func (rc *rawConn) response() string {
	rc.t.Helper()
	for {
		line := rc.readLine()
		if strings.HasPrefix(line, "backoff ") || strings.HasPrefix(line, "epoch ") {
			continue
		}
		return line
	}
}

// push reads the next push line.
func (rc *rawConn) push() string {
	rc.t.Helper()
	for {
		line := rc.readLine()
		if strings.HasPrefix(line, "backoff ") || strings.HasPrefix(line, "epoch ") {
			return line
		}
	}
}

func (rc *rawConn) do(cmd, key, arg string) string {
	rc.t.Helper()
	rc.send(cmd, key, arg)
	return rc.response()
}

func TestBasicOps(t *testing.T) {
	addr := startServer(t, testConfig(t))
	rc := dialRaw(t, addr)

	require.Equal(t, "notfound", rc.do("get", "1.0/obj1", ""))
	require.Equal(t, "ok", rc.do("put", "1.0/obj1", "hello world"))
	require.Equal(t, "ok hello world", rc.do("get", "1.0/obj1", ""))
	require.Equal(t, "ok", rc.do("del", "1.0/obj1", ""))
	require.Equal(t, "notfound", rc.do("get", "1.0/obj1", ""))

	// Shards are independent stores.
	require.Equal(t, "ok", rc.do("put", "1.1/obj1", "other"))
	require.Equal(t, "notfound", rc.do("get", "1.0/obj1", ""))
}

func TestParseErrorKeepsConnection(t *testing.T) {
	addr := startServer(t, testConfig(t))
	rc := dialRaw(t, addr)

	require.Equal(t, "error", rc.do("frobnicate", "x", "y"))
	require.Equal(t, "error", rc.do("get", "noslash", ""))
	require.Equal(t, "ok", rc.do("put", "1.0/obj1", "still alive"))
}

func TestMaxObjects(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxObjects = 1
	addr := startServer(t, cfg)
	rc := dialRaw(t, addr)

	require.Equal(t, "ok", rc.do("put", "1.0/a", "1"))
	require.Equal(t, "error_max_objects", rc.do("put", "1.0/b", "2"))
	// The cap is per shard.
	require.Equal(t, "ok", rc.do("put", "1.1/a", "1"))
}

func TestAuthRequired(t *testing.T) {
	cfg := testConfig(t)
	cfg.AuthToken = "sekrit"
	addr := startServer(t, cfg)

	// Wrong token: rejected and disconnected.
	rc := dialRaw(t, addr)
	require.Equal(t, "error_auth", rc.do("auth", "-", "wrong"))
	rc.c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := rc.r.ReadString('\n')
	require.Error(t, err)

	// Any non-auth first command: rejected.
	rc = dialRaw(t, addr)
	require.Equal(t, "error_auth", rc.do("get", "1.0/obj1", ""))

	// Right token: admitted.
	rc = dialRaw(t, addr)
	require.Equal(t, "ok", rc.do("auth", "-", "sekrit"))
	require.Equal(t, "ok", rc.do("put", "1.0/obj1", "v"))
}

func TestMaxConnections(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxConnections = 1
	addr := startServer(t, cfg)

	rc := dialRaw(t, addr)
	require.Equal(t, "ok", rc.do("put", "1.0/obj1", "v"))

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = bufio.NewReader(second).ReadString('\n')
	require.Error(t, err, "rejected connection closes without a response")
}

func TestBlockedOpFlow(t *testing.T) {
	addr := startServer(t, testConfig(t))
	admin := dialRaw(t, addr)
	worker := dialRaw(t, addr)

	require.Equal(t, "ok", worker.do("put", "1.0/obj15", "before"))

	resp := admin.do("block", "1.0", "obj10 obj20")
	require.Equal(t, "ok 1", resp, "block returns the new epoch")

	// The op inside the degraded range is refused with a backoff...
	resp = worker.do("put", "1.0/obj15", "during")
	require.True(t, strings.HasPrefix(resp, "blocked "), "got %q", resp)
	id := strings.TrimPrefix(resp, "blocked ")

	// ...and the backoff is pushed to the worker.
	var push string
	for {
		push = worker.push()
		if strings.HasPrefix(push, "backoff ") {
			break
		}
	}
	require.Equal(t, "backoff block 1.0 "+id+" obj10 obj20", push)
	require.Equal(t, "ok", worker.do("ack", "1.0", id+" obj10 obj20"))

	// Still blocked after the ack; outside the range is fine.
	resp = worker.do("put", "1.0/obj15", "during")
	require.True(t, strings.HasPrefix(resp, "blocked "), "got %q", resp)
	require.Equal(t, "ok", worker.do("put", "1.0/obj99", "outside"))

	// Recovery releases the backoff and pushes the unblock.
	require.Equal(t, "ok 1", admin.do("unblock", "1.0", "obj10 obj20"))
	for {
		push = worker.push()
		if strings.HasPrefix(push, "backoff unblock ") {
			break
		}
	}
	require.Equal(t, "backoff unblock 1.0 "+id+" obj10 obj20", push)

	require.Equal(t, "ok", worker.do("put", "1.0/obj15", "after"))
	require.Equal(t, "ok after", worker.do("get", "1.0/obj15", ""))
}

func TestEpochPushedOnMapChange(t *testing.T) {
	addr := startServer(t, testConfig(t))
	admin := dialRaw(t, addr)
	observer := dialRaw(t, addr)

	// The observer must be registered before the epoch bump; a request
	// round trip guarantees that.
	require.Equal(t, "ok", observer.do("put", "1.0/warm", "x"))

	require.Equal(t, "ok 1", admin.do("block", "1.0", "a b"))
	require.Equal(t, "epoch 1", observer.push())
	require.Equal(t, "ok", observer.do("epoch", "-", "1"))

	require.Equal(t, "ok 0", admin.do("unblock", "1.0", "a b"))
	require.Equal(t, "epoch 2", observer.push())
}

func TestRecoverShard(t *testing.T) {
	addr := startServer(t, testConfig(t))
	admin := dialRaw(t, addr)
	worker := dialRaw(t, addr)

	require.Equal(t, "ok 1", admin.do("block", "1.0", "a m"))
	require.Equal(t, "ok 2", admin.do("block", "1.0", "n z"))

	resp := worker.do("get", "1.0/b", "")
	require.True(t, strings.HasPrefix(resp, "blocked "))
	resp = worker.do("get", "1.0/p", "")
	require.True(t, strings.HasPrefix(resp, "blocked "))

	require.Equal(t, "ok 2", admin.do("recover", "1.0", ""))

	// Collect both unblock pushes before issuing more requests; a request
	// round trip would consume queued pushes.
	var unblocks [][]string
	for len(unblocks) < 2 {
		fields := strings.Fields(worker.push())
		if len(fields) == 6 && fields[1] == "unblock" {
			unblocks = append(unblocks, fields)
		}
	}

	// A released but unacked backoff stays in the session index until the
	// removal ack; ops stay held in the meantime.
	resp = worker.do("get", "1.0/b", "")
	require.True(t, strings.HasPrefix(resp, "blocked "))

	for _, f := range unblocks {
		require.Equal(t, "ok", worker.do("ack", f[2], f[3]+" "+f[4]+" "+f[5]))
	}
	require.Equal(t, "notfound", worker.do("get", "1.0/b", ""))
}

func TestDisconnectTearsDownBackoffs(t *testing.T) {
	addr := startServer(t, testConfig(t))
	admin := dialRaw(t, addr)

	require.Equal(t, "ok 1", admin.do("block", "1.0", "a z"))

	worker := dialRaw(t, addr)
	resp := worker.do("get", "1.0/b", "")
	require.True(t, strings.HasPrefix(resp, "blocked "))
	worker.c.Close()

	// The worker's backoff must be gone from the shard once its session
	// teardown runs.
	deadline := time.Now().Add(2 * time.Second)
	for {
		var st Stats
		resp := admin.do("stats", "-", "")
		require.True(t, strings.HasPrefix(resp, "ok "))
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(resp, "ok ")), &st))

		left := -1
		for _, sh := range st.Shards {
			if sh.ID == "1.0" {
				left = sh.Backoffs
			}
		}
		if left == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("shard 1.0 still holds %d backoffs after disconnect", left)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestStats(t *testing.T) {
	addr := startServer(t, testConfig(t))
	rc := dialRaw(t, addr)

	require.Equal(t, "ok", rc.do("put", "1.0/obj1", "abcd"))
	require.Equal(t, "ok 1", rc.do("block", "1.0", "x z"))
	require.Equal(t, "ok", rc.do("epoch", "-", "1"))

	resp := rc.do("stats", "-", "")
	require.True(t, strings.HasPrefix(resp, "ok "))

	var st Stats
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(resp, "ok ")), &st))
	require.EqualValues(t, 1, st.Epoch)
	require.EqualValues(t, 1, st.Connections)
	require.Len(t, st.Shards, 1)
	require.Equal(t, "1.0", st.Shards[0].ID)
	require.Equal(t, 1, st.Shards[0].Objects)
	require.Equal(t, 4, st.Shards[0].Bytes)
	require.Len(t, st.Shards[0].Degraded, 1)
	require.Len(t, st.Sessions, 1)
	require.EqualValues(t, 1, st.Sessions[0].ReceivedEpoch)
}
