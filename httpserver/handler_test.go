package httpserver

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ruteri/vhd-provisioner/api"
	"github.com/ruteri/vhd-provisioner/api/clients"
	"github.com/ruteri/vhd-provisioner/common"
	"github.com/ruteri/vhd-provisioner/evhd"
	"github.com/ruteri/vhd-provisioner/keystore"
	"github.com/ruteri/vhd-provisioner/protect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "admin-token"

func newTestServer(t *testing.T, autoApprove bool) (*httptest.Server, *MachineStore) {
	t.Helper()
	store := NewMachineStore(autoApprove)
	srv, err := New(&HTTPServerConfig{Log: common.DiscardLogger()}, NewHandler(store, testToken, common.DiscardLogger()))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func adminRequest(t *testing.T, method, url, body string) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set(AdminTokenHeader, testToken)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestBootImageAndProtect(t *testing.T) {
	ts, _ := newTestServer(t, false)
	client := clients.NewAdminClient(ts.URL, "kiosk-1", nil)
	ctx := context.Background()

	keyword, err := client.BootImageSelect(ctx)
	require.NoError(t, err)
	assert.Empty(t, keyword)
	protected, err := client.Protect(ctx)
	require.NoError(t, err)
	assert.False(t, protected)

	assert.Equal(t, http.StatusNoContent, adminRequest(t, http.MethodPut, ts.URL+"/machines/kiosk-1/boot-image", `{"BootImageSelected":"TOOLS"}`))
	assert.Equal(t, http.StatusNoContent, adminRequest(t, http.MethodPut, ts.URL+"/machines/kiosk-1/protect", `{"protected":true}`))

	keyword, err = client.BootImageSelect(ctx)
	require.NoError(t, err)
	assert.Equal(t, "TOOLS", keyword)
	protected, err = client.Protect(ctx)
	require.NoError(t, err)
	assert.True(t, protected)

	// Other machines are unaffected.
	other := clients.NewAdminClient(ts.URL, "kiosk-2", nil)
	protected, err = other.Protect(ctx)
	require.NoError(t, err)
	assert.False(t, protected)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	ts, _ := newTestServer(t, false)

	resp, err := http.Post(ts.URL+"/machines/kiosk-1/keys/abc/approve", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Equal(t, http.StatusNotFound, adminRequest(t, http.MethodPost, ts.URL+"/machines/kiosk-1/keys/abc/approve", ""))
	assert.Equal(t, http.StatusBadRequest, adminRequest(t, http.MethodPut, ts.URL+"/machines/kiosk-1/protect", `{}`))
	assert.Equal(t, http.StatusBadRequest, adminRequest(t, http.MethodPut, ts.URL+"/machines/kiosk-1/secret", ""))
}

func TestEnvelopeErrors(t *testing.T) {
	ts, store := newTestServer(t, false)
	client := clients.NewAdminClient(ts.URL, "kiosk-1", nil)
	ctx := context.Background()

	_, err := client.Envelope(ctx)
	var envErr *api.EnvelopeError
	require.ErrorAs(t, err, &envErr)
	assert.True(t, envErr.NotRegistered())

	ks, err := keystore.OpenSoftware(t.TempDir() + "/machine.pem")
	require.NoError(t, err)
	pubPEM, err := ks.PublicKeyPEM()
	require.NoError(t, err)
	require.NoError(t, client.RegisterKey(ctx, api.KeyRegistration{KeyID: "k1", KeyType: ks.KeyType(), PubkeyPEM: string(pubPEM)}))

	_, err = client.Envelope(ctx)
	require.ErrorAs(t, err, &envErr)
	assert.True(t, envErr.NotApproved())

	require.NoError(t, store.Approve("kiosk-1", "k1"))
	_, err = client.Envelope(ctx)
	require.ErrorAs(t, err, &envErr)
	assert.Equal(t, http.StatusNotFound, envErr.StatusCode)

	assert.Error(t, client.RegisterKey(ctx, api.KeyRegistration{KeyID: "k2", PubkeyPEM: "not a key"}))
}

func TestCredentialExchange(t *testing.T) {
	ts, store := newTestServer(t, false)
	store.SetSecret("kiosk-1", []byte("volume password"))

	ks, err := keystore.OpenSoftware(t.TempDir() + "/machine.pem")
	require.NoError(t, err)
	keyID, err := keystore.KeyID(ks)
	require.NoError(t, err)

	// The administrator approves once the key shows up.
	go func() {
		for store.Snapshot("kiosk-1").Key == nil {
			time.Sleep(5 * time.Millisecond)
		}
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/machines/kiosk-1/keys/"+keyID+"/approve", nil)
		req.Header.Set(AdminTokenHeader, testToken)
		if resp, err := http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}()

	coord := &protect.Coordinator{}
	ex := &evhd.Exchange{
		Client:   clients.NewAdminClient(ts.URL, "kiosk-1", nil),
		Keys:     ks,
		Blocker:  coord,
		Interval: 5 * time.Millisecond,
		Log:      common.DiscardLogger(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	secret, err := ex.Obtain(ctx)
	require.NoError(t, err)
	assert.Equal(t, "volume password", string(secret))
	assert.False(t, coord.Blocking())

	m := store.Snapshot("kiosk-1")
	require.NotNil(t, m.Key)
	assert.True(t, m.Key.Approved)
	assert.Equal(t, keystore.KeyTypeSoftware, m.Key.KeyType)
}

func TestReregisteringSameKeyKeepsApproval(t *testing.T) {
	store := NewMachineStore(false)
	key := MachineKey{KeyID: "k1", PubkeyPEM: "pem"}
	store.RegisterKey("m", key)
	require.NoError(t, store.Approve("m", "k1"))

	store.RegisterKey("m", key)
	assert.True(t, store.Snapshot("m").Key.Approved)

	store.RegisterKey("m", MachineKey{KeyID: "k2", PubkeyPEM: "other"})
	assert.False(t, store.Snapshot("m").Key.Approved)

	auto := NewMachineStore(true)
	auto.RegisterKey("m", key)
	assert.True(t, auto.Snapshot("m").Key.Approved)
}

func TestHealthEndpoints(t *testing.T) {
	ts, _ := newTestServer(t, false)

	get := func(path string) (int, string) {
		resp, err := http.Get(ts.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var buf bytes.Buffer
		buf.ReadFrom(resp.Body)
		return resp.StatusCode, buf.String()
	}

	code, _ := get("/livez")
	assert.Equal(t, http.StatusOK, code)
	code, _ = get("/readyz")
	assert.Equal(t, http.StatusOK, code)

	_, body := get("/drain")
	assert.Contains(t, body, "draining")
	code, _ = get("/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, code)

	_, body = get("/undrain")
	assert.Contains(t, body, "ready")
	code, _ = get("/readyz")
	assert.Equal(t, http.StatusOK, code)
}
