package smtp

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/acs-smtp-relay/internal/provider"
	"github.com/shineum/acs-smtp-relay/internal/provider/acs"
)

// startServer runs a Server on a loopback listener and returns its address,
// the cancel func and a channel receiving Serve's result.
func startServer(t *testing.T, cfg ServerConfig) (string, context.CancelFunc, <-chan error) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "failed to listen")

	srv := New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	return ln.Addr().String(), cancel, errCh
}

func dial(t *testing.T, addr string) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err, "failed to dial")
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func TestServer_AcceptsSessions(t *testing.T) {
	t.Parallel()

	addr, _, _ := startServer(t, ServerConfig{Hostname: "relay.test", Mailer: &mockMailer{}})

	conn, reader := dial(t, addr)
	require.Equal(t, "220 relay.test ESMTP ready", readReply(t, reader), "greeting")
	expectCode(t, conn, reader, "QUIT", "221")
}

func TestServer_ConnectionLimit(t *testing.T) {
	t.Parallel()

	addr, _, _ := startServer(t, ServerConfig{Hostname: "relay.test", Mailer: &mockMailer{}, MaxConnections: 1})

	first, firstReader := dial(t, addr)
	readReply(t, firstReader)

	_, secondReader := dial(t, addr)
	resp := readReply(t, secondReader)
	require.True(t, strings.HasPrefix(resp, "421 "), "second connection: got %q, want 421", resp)
	_, err := secondReader.ReadString('\n')
	assert.Error(t, err, "rejected connection should be closed")

	// Releasing the slot admits the next client.
	expectCode(t, first, firstReader, "QUIT", "221")
	_, _ = io.Copy(io.Discard, firstReader)

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, thirdReader := dial(t, addr)
		if strings.HasPrefix(readReply(t, thirdReader), "220 ") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("slot was not released")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_ShutdownKeepsInFlightSessions(t *testing.T) {
	t.Parallel()

	mailer := &mockMailer{}
	addr, cancel, errCh := startServer(t, ServerConfig{Mailer: mailer, ShutdownTimeout: 5 * time.Second})

	conn, reader := dial(t, addr)
	readReply(t, reader)
	expectCode(t, conn, reader, "MAIL FROM:<a@example.com>", "250")

	cancel()

	// New connections are refused once the listener is closed.
	deadline := time.Now().Add(5 * time.Second)
	for {
		c, err := net.Dial("tcp", addr)
		if err != nil {
			break
		}
		c.Close()
		if time.Now().After(deadline) {
			t.Fatal("listener still accepting after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The in-flight session still completes a relay.
	expectCode(t, conn, reader, "RCPT TO:<b@example.com>", "250")
	expectCode(t, conn, reader, "DATA", "354")
	sendCmd(t, conn, "body\r\n.")
	resp := readReply(t, reader)
	require.True(t, strings.HasPrefix(resp, "250 "), "DATA after shutdown: got %q", resp)
	expectCode(t, conn, reader, "QUIT", "221")

	select {
	case err := <-errCh:
		assert.NoError(t, err, "Serve")
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after sessions finished")
	}

	assert.Len(t, mailer.sent(), 1, "in-flight message should have been relayed")
}

func TestServer_EndToEndWithACS(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		posts []map[string]any
	)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		posts = append(posts, payload)
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer api.Close()

	mailer, err := acs.New(acs.Config{
		Endpoint:   api.URL,
		AccessKey:  "c2VjcmV0a2V5",
		Sender:     provider.SenderPolicy{Default: "noreply@relay.test"},
		HTTPClient: api.Client(),
	})
	require.NoError(t, err)

	addr, _, _ := startServer(t, ServerConfig{Mailer: mailer})
	conn, reader := dial(t, addr)
	readReply(t, reader)

	expectCode(t, conn, reader, "HELO client", "250")
	expectCode(t, conn, reader, "MAIL FROM:<app@client.test>", "250")
	expectCode(t, conn, reader, "RCPT TO:<user@example.com>", "250")
	expectCode(t, conn, reader, "DATA", "354")
	sendCmd(t, conn, "Subject: Report\r\n\r\nAll good.\r\n.")

	require.Equal(t, "250 OK: Queued for delivery", readReply(t, reader), "final reply")
	expectCode(t, conn, reader, "QUIT", "221")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, posts, 1)
	assert.Equal(t, "noreply@relay.test", posts[0]["senderAddress"])
	to := posts[0]["recipients"].(map[string]any)["to"].([]any)
	require.Len(t, to, 1)
	assert.Equal(t, "user@example.com", to[0].(map[string]any)["address"])
}
