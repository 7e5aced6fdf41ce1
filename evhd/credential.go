package evhd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/vhd-provisioner/api"
	"github.com/ruteri/vhd-provisioner/common"
	"github.com/ruteri/vhd-provisioner/cryptoutils"
	"github.com/ruteri/vhd-provisioner/keystore"
)

// Blocker pauses unrelated background pollers during the exchange.
type Blocker interface {
	EnterBlocking()
	ExitBlocking()
}

// Exchange obtains the mount credential from the remote service. The
// envelope is opened with the machine key; the plaintext is never stored.
type Exchange struct {
	Client   api.AdminService
	Keys     keystore.KeyStore
	Blocker  Blocker
	Interval time.Duration
	Log      *slog.Logger
}

// Obtain polls the envelope endpoint until it yields a ciphertext the
// machine key can open. A "not registered" answer triggers a key upload;
// once an upload succeeded it is never repeated within this call. Any other
// failure, including "not approved", enters blocking mode and polls once
// per Interval until ctx is done.
func (e *Exchange) Obtain(ctx context.Context) ([]byte, error) {
	log := e.Log
	if log == nil {
		log = common.DiscardLogger()
	}
	interval := e.Interval
	if interval <= 0 {
		interval = time.Second
	}

	var (
		registered bool
		blocking   bool
		attempt    int
	)
	defer func() {
		if blocking && e.Blocker != nil {
			e.Blocker.ExitBlocking()
			log.Info("Left blocking mode")
		}
	}()

	for {
		attempt++
		secret, err := e.try(ctx)
		if err == nil {
			log.Info("Credential obtained", "attempts", attempt)
			return secret, nil
		}

		var envErr *api.EnvelopeError
		if errors.As(err, &envErr) && envErr.NotRegistered() && !registered {
			if regErr := e.register(ctx); regErr != nil {
				log.Warn("Key registration failed", "err", regErr)
			} else {
				registered = true
				log.Info("Machine key registered, retrying")
				continue
			}
		}

		if !blocking {
			blocking = true
			if e.Blocker != nil {
				e.Blocker.EnterBlocking()
			}
			log.Info("Entered blocking mode")
		}
		log.Warn("Credential not available", "reason", reason(err), "attempt", attempt)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (e *Exchange) try(ctx context.Context) ([]byte, error) {
	ciphertext, err := e.Client.Envelope(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := cryptoutils.DecodeEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	secret, err := e.Keys.Decrypt(raw)
	if err != nil {
		return nil, fmt.Errorf("could not open envelope: %w", err)
	}
	return secret, nil
}

func (e *Exchange) register(ctx context.Context) error {
	pubPEM, err := e.Keys.PublicKeyPEM()
	if err != nil {
		return err
	}
	keyID, err := keystore.KeyID(e.Keys)
	if err != nil {
		return err
	}
	return e.Client.RegisterKey(ctx, api.KeyRegistration{
		KeyID:     keyID,
		KeyType:   e.Keys.KeyType(),
		PubkeyPEM: string(pubPEM),
	})
}

func reason(err error) string {
	var envErr *api.EnvelopeError
	if errors.As(err, &envErr) {
		switch {
		case envErr.NotApproved():
			return "key awaiting administrator approval"
		case envErr.NotRegistered():
			return "key not registered yet"
		default:
			return envErr.Message
		}
	}
	return err.Error()
}
