package as2

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-as2/internal/keystore"
	"github.com/sirosfoundation/go-as2/internal/testutil"
	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/message"
	"github.com/sirosfoundation/go-as2/pkg/partner"
	"github.com/sirosfoundation/go-as2/pkg/reliability"
	"github.com/sirosfoundation/go-as2/pkg/smime/smimetest"
	"github.com/sirosfoundation/go-as2/pkg/workspace"
)

type recordingHandler struct {
	mu       sync.Mutex
	payloads []string
	archives []string
	mdns     []*message.MDN
	err      error
}

func (h *recordingHandler) HandleMessage(ctx context.Context, msg *message.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if tr, ok := TransmissionFromContext(ctx); ok {
		h.archives = append(h.archives, tr.Archive)
	}
	for _, att := range msg.Attachments() {
		data, err := os.ReadFile(att.Path)
		if err != nil {
			return err
		}
		h.payloads = append(h.payloads, string(data))
	}
	return h.err
}

func (h *recordingHandler) HandleMDN(ctx context.Context, mdn *message.MDN) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mdns = append(h.mdns, mdn)
	return nil
}

// queueDispatcher holds tasks until the test runs them.
type queueDispatcher struct {
	mu     sync.Mutex
	tasks  []func(context.Context)
	delays []time.Duration
}

func (d *queueDispatcher) Dispatch(delay time.Duration, task func(context.Context)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	d.delays = append(d.delays, delay)
}

func (d *queueDispatcher) runAll(ctx context.Context) int {
	d.mu.Lock()
	tasks := d.tasks
	d.tasks = nil
	d.mu.Unlock()
	for _, task := range tasks {
		task(ctx)
	}
	return len(tasks)
}

type recordingArchiver struct {
	mu        sync.Mutex
	saved     []*header.Collection
	companion []string
	err       error
}

func (a *recordingArchiver) Save(remote string, headers *header.Collection, body []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, headers)
	return "archived-" + remote, a.err
}

func (a *recordingArchiver) SaveCompanion(name, suffix, path string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := os.Stat(path); err != nil {
		return err
	}
	a.companion = append(a.companion, name+suffix)
	return nil
}

// syncBuffer collects log output written from server goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

type countingRecorder struct {
	mu       sync.Mutex
	received map[string]int
	sent     map[string]int
}

func (r *countingRecorder) Received(kind, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.received == nil {
		r.received = map[string]int{}
	}
	r.received[kind+"/"+outcome]++
}

func (r *countingRecorder) MDNSent(mode, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sent == nil {
		r.sent = map[string]int{}
	}
	r.sent[mode+"/"+outcome]++
}

func (r *countingRecorder) count(m map[string]int, key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return m[key]
}

// station is one AS2 endpoint with its own server, client and registry.
type station struct {
	id         string
	url        string
	local      *partner.Partner
	remote     *partner.Partner
	sec        *smimetest.Fake
	tracker    *reliability.MessageTracker
	client     *Client
	server     *Server
	handler    *recordingHandler
	dispatcher *queueDispatcher
	archiver   *recordingArchiver
	recorder   *countingRecorder
	logs       *syncBuffer
}

type network struct {
	a, b *station
}

// newNetwork starts stations A and B. The mutators adjust the configuration
// each station holds for its peer.
func newNetwork(t *testing.T, aViewOfB, bViewOfA func(*partner.Config)) *network {
	t.Helper()
	ids := map[string]*testutil.Identity{
		"A": testutil.NewIdentity(t, "station-a", false),
		"B": testutil.NewIdentity(t, "station-b", false),
	}

	handlers := map[string]*http.Handler{"A": new(http.Handler), "B": new(http.Handler)}
	urls := map[string]string{}
	for id, h := range handlers {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			(*h).ServeHTTP(w, r)
		}))
		t.Cleanup(srv.Close)
		urls[id] = srv.URL + "/as2"
	}

	build := func(localID, remoteID string, mutate func(*partner.Config)) *station {
		store, err := keystore.NewFileStore(filepath.Join(t.TempDir(), "_private"))
		require.NoError(t, err)

		remoteCfg := partner.Config{
			ID:          remoteID,
			Email:       remoteID + "@example.com",
			SendURL:     urls[remoteID],
			Certificate: keystore.EncodeCertificates(ids[remoteID].Cert),
		}
		if mutate != nil {
			mutate(&remoteCfg)
		}
		registry, err := partner.NewRegistry([]partner.Config{
			{
				ID:             localID,
				Email:          localID + "@example.com",
				SendURL:        urls[localID],
				IsLocal:        true,
				PKCS12:         ids[localID].PKCS12(t, "pw"),
				PKCS12Password: "pw",
			},
			remoteCfg,
		}, partner.WithSecretStore(store))
		require.NoError(t, err)
		local, err := registry.Lookup(localID)
		require.NoError(t, err)
		remote, err := registry.Lookup(remoteID)
		require.NoError(t, err)

		st := &station{
			id:         localID,
			url:        urls[localID],
			local:      local,
			remote:     remote,
			sec:        &smimetest.Fake{},
			tracker:    reliability.NewMessageTracker(time.Hour),
			handler:    &recordingHandler{},
			dispatcher: &queueDispatcher{},
			archiver:   &recordingArchiver{},
			recorder:   &countingRecorder{},
			logs:       &syncBuffer{},
		}
		t.Cleanup(st.tracker.Close)

		st.client, err = NewClient(&ClientConfig{Tracker: st.tracker})
		require.NoError(t, err)
		st.server, err = NewServer(&ServerConfig{
			Partners:   registry,
			Security:   st.sec,
			WorkDir:    t.TempDir(),
			Client:     st.client,
			Archiver:   st.archiver,
			Handler:    st.handler,
			Dispatcher: st.dispatcher,
			Recorder:   st.recorder,
			Tracker:    st.tracker,
			Logger:     slog.New(slog.NewJSONHandler(st.logs, &slog.HandlerOptions{Level: slog.LevelDebug})),
		})
		require.NoError(t, err)
		*handlers[localID] = st.server
		return st
	}

	return &network{
		a: build("A", "B", aViewOfB),
		b: build("B", "A", bViewOfA),
	}
}

func (st *station) runtime(t *testing.T) message.Runtime {
	t.Helper()
	scope, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = scope.Release() })
	return message.Runtime{Security: st.sec, Scope: scope}
}

// newMessage encodes payload from st to its peer.
func (st *station) newMessage(t *testing.T, payload string) *message.Message {
	t.Helper()
	msg := message.NewMessage(st.runtime(t), st.local, st.remote)
	require.NoError(t, msg.AddData([]byte(payload), "application/edi-x12", "order.edi"))
	require.NoError(t, msg.Encode(context.Background()))
	return msg
}
