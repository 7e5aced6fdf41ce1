package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/miekg/dns"
	"github.com/ruteri/vhd-provisioner/api"
	"github.com/ruteri/vhd-provisioner/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

func TestBootImageAndProtect(t *testing.T) {
	var protectBody atomic.Pointer[string]
	setProtect := func(body string) { protectBody.Store(&body) }
	setProtect(`{"protected": true}`)
	r := chi.NewRouter()
	r.Get(api.BootImageSelectPath, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "m-1", r.URL.Query().Get(api.MachineIDParam))
		writeJSON(w, http.StatusOK, `{"BootImageSelected": " GAME "}`)
	})
	r.Get(api.ProtectPath, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, *protectBody.Load())
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewAdminClient(srv.URL, "m-1", common.DiscardLogger())
	ctx := context.Background()

	keyword, err := c.BootImageSelect(ctx)
	require.NoError(t, err)
	assert.Equal(t, "GAME", keyword)

	protected, err := c.Protect(ctx)
	require.NoError(t, err)
	assert.True(t, protected)

	// Missing field fails closed.
	setProtect(`{}`)
	protected, err = c.Protect(ctx)
	require.NoError(t, err)
	assert.False(t, protected)

	setProtect(`{"protected": "yes"}`)
	_, err = c.Protect(ctx)
	assert.Error(t, err)
}

func TestEnvelopeResponses(t *testing.T) {
	testCases := []struct {
		name          string
		status        int
		body          string
		ciphertext    string
		notApproved   bool
		notRegistered bool
	}{
		{name: "ok", status: http.StatusOK, body: `{"ciphertext": "Zm9v"}`, ciphertext: "Zm9v"},
		{name: "not approved", status: http.StatusForbidden, body: `{"error": "key pending approval"}`, notApproved: true},
		{name: "not registered", status: http.StatusBadRequest, body: `{"error": "Public key not registered for machine"}`, notRegistered: true},
		{name: "other 400", status: http.StatusBadRequest, body: `{"error": "no secret configured"}`},
		{name: "no ciphertext", status: http.StatusOK, body: `{}`},
		{name: "plain text error", status: http.StatusNotFound, body: `not found`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeJSON(w, tc.status, tc.body)
			}))
			defer srv.Close()

			c := NewAdminClient(srv.URL, "m-1", nil)
			ciphertext, err := c.Envelope(context.Background())
			if tc.ciphertext != "" {
				require.NoError(t, err)
				assert.Equal(t, tc.ciphertext, ciphertext)
				return
			}

			var envErr *api.EnvelopeError
			require.True(t, errors.As(err, &envErr), "got %v", err)
			assert.Equal(t, tc.notApproved, envErr.NotApproved())
			assert.Equal(t, tc.notRegistered, envErr.NotRegistered())
			// 4xx carry protocol meaning and are never retried.
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestServerErrorsAreRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewAdminClient(srv.URL, "m-1", nil)
	_, err := c.Protect(context.Background())
	assert.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRegisterKey(t *testing.T) {
	var got api.KeyRegistration
	r := chi.NewRouter()
	r.Post("/machines/{id}/keys", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "m-1", chi.URLParam(r, "id"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewAdminClient(srv.URL, "m-1", nil)
	reg := api.KeyRegistration{KeyID: "k", KeyType: "software-rsa-2048", PubkeyPEM: "pem"}
	require.NoError(t, c.RegisterKey(context.Background(), reg))
	assert.Equal(t, reg, got)

	bad := NewAdminClient(srv.URL+"/nope", "m-1", nil)
	assert.Error(t, bad.RegisterKey(context.Background(), reg))
}

func TestResolveAdminURL(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(r)
		hdr := dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeSRV, Class: dns.ClassINET, Ttl: 60}
		m.Answer = append(m.Answer,
			&dns.SRV{Hdr: hdr, Priority: 10, Weight: 5, Port: 8080, Target: "backup.example.net."},
			&dns.SRV{Hdr: hdr, Priority: 1, Weight: 1, Port: 9000, Target: "primary.example.net."},
		)
		w.WriteMsg(m)
	})

	started := make(chan struct{})
	server := &dns.Server{PacketConn: pc, Handler: handler, NotifyStartedFunc: func() { close(started) }}
	go server.ActivateAndServe()
	<-started
	defer server.Shutdown()

	u, err := ResolveAdminURL(context.Background(), "_vhdadmin._tcp.example.net", pc.LocalAddr().String())
	require.NoError(t, err)
	assert.Equal(t, "http://primary.example.net:9000", u)
}
