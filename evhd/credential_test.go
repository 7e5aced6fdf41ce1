package evhd

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/ruteri/vhd-provisioner/api"
	"github.com/ruteri/vhd-provisioner/api/clients"
	"github.com/ruteri/vhd-provisioner/common"
	"github.com/ruteri/vhd-provisioner/cryptoutils"
	"github.com/ruteri/vhd-provisioner/keystore"
	"github.com/ruteri/vhd-provisioner/protect"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newKeys(t *testing.T) (keystore.KeyStore, string) {
	t.Helper()
	ks, err := keystore.OpenSoftware(t.TempDir() + "/machine.pem")
	require.NoError(t, err)
	pubPEM, err := ks.PublicKeyPEM()
	require.NoError(t, err)
	envelope, err := cryptoutils.EncryptEnvelope(pubPEM, []byte("s3cret value"))
	require.NoError(t, err)
	return ks, envelope
}

var (
	errNotApproved   = &api.EnvelopeError{StatusCode: http.StatusForbidden, Message: "pending approval"}
	errNotRegistered = &api.EnvelopeError{StatusCode: http.StatusBadRequest, Message: "public key not registered"}
)

func TestNotApprovedKeepsBlocking(t *testing.T) {
	ks, envelope := newKeys(t)
	coord := &protect.Coordinator{}

	client := &clients.MockAdminClient{}
	client.On("Envelope", mock.Anything).Return("", errNotApproved).Once()
	client.On("Envelope", mock.Anything).Run(func(mock.Arguments) {
		// Still polling after a 403, with the protect poller paused.
		assert.True(t, coord.Blocking())
	}).Return("", errNotApproved).Once()
	client.On("Envelope", mock.Anything).Return(envelope, nil).Once()

	ex := &Exchange{Client: client, Keys: ks, Blocker: coord, Interval: time.Millisecond, Log: common.DiscardLogger()}
	secret, err := ex.Obtain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s3cret value", string(secret))
	assert.False(t, coord.Blocking())

	client.AssertNumberOfCalls(t, "Envelope", 3)
	client.AssertNotCalled(t, "RegisterKey", mock.Anything, mock.Anything)
}

func TestNotRegisteredRegistersOnce(t *testing.T) {
	ks, envelope := newKeys(t)
	keyID, err := keystore.KeyID(ks)
	require.NoError(t, err)

	client := &clients.MockAdminClient{}
	client.On("Envelope", mock.Anything).Return("", errNotRegistered).Times(4)
	client.On("Envelope", mock.Anything).Return(envelope, nil).Once()
	client.On("RegisterKey", mock.Anything, mock.MatchedBy(func(reg api.KeyRegistration) bool {
		return reg.KeyID == keyID && reg.KeyType == keystore.KeyTypeSoftware && reg.PubkeyPEM != ""
	})).Return(nil).Once()

	ex := &Exchange{Client: client, Keys: ks, Blocker: &protect.Coordinator{}, Interval: time.Millisecond}
	secret, err := ex.Obtain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s3cret value", string(secret))

	client.AssertNumberOfCalls(t, "RegisterKey", 1)
	client.AssertNumberOfCalls(t, "Envelope", 5)
}

func TestFailedRegistrationIsRetried(t *testing.T) {
	ks, envelope := newKeys(t)

	client := &clients.MockAdminClient{}
	client.On("Envelope", mock.Anything).Return("", errNotRegistered).Twice()
	client.On("Envelope", mock.Anything).Return(envelope, nil).Once()
	client.On("RegisterKey", mock.Anything, mock.Anything).Return(errors.New("503")).Once()
	client.On("RegisterKey", mock.Anything, mock.Anything).Return(nil).Once()

	ex := &Exchange{Client: client, Keys: ks, Interval: time.Millisecond}
	_, err := ex.Obtain(context.Background())
	require.NoError(t, err)
	client.AssertNumberOfCalls(t, "RegisterKey", 2)
}

func TestObtainCancelled(t *testing.T) {
	ks, _ := newKeys(t)
	coord := &protect.Coordinator{}

	client := &clients.MockAdminClient{}
	client.On("Envelope", mock.Anything).Return("", errors.New("connection refused"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	ex := &Exchange{Client: client, Keys: ks, Blocker: coord, Interval: 5 * time.Millisecond}
	_, err := ex.Obtain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, coord.Blocking())
}

func TestUndecryptableEnvelopeKeepsPolling(t *testing.T) {
	ks, envelope := newKeys(t)
	other, _ := newKeys(t)
	otherPub, err := other.PublicKeyPEM()
	require.NoError(t, err)
	foreign, err := cryptoutils.EncryptEnvelope(otherPub, []byte("not for us"))
	require.NoError(t, err)

	client := &clients.MockAdminClient{}
	client.On("Envelope", mock.Anything).Return(foreign, nil).Once()
	client.On("Envelope", mock.Anything).Return(envelope, nil).Once()

	ex := &Exchange{Client: client, Keys: ks, Interval: time.Millisecond}
	secret, err := ex.Obtain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s3cret value", string(secret))
}
