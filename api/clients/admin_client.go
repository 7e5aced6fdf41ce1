package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/ruteri/vhd-provisioner/api"
)

const maxResponseBody = 1 << 20

// AdminClient consumes the remote administration service for one machine.
type AdminClient struct {
	baseURL    string
	machineID  string
	httpClient *http.Client
}

// NewAdminClient creates a client for the service at baseURL.
//
// Parameters:
//   - baseURL: The base URL of the service (e.g., "http://admin.local:8080")
//   - machineID: The identity of this machine
//   - log: Logger for retry diagnostics, may be nil
//   - timeout: Per-attempt timeout (optional, default 10 seconds)
//
// Returns:
//   - Configured AdminClient instance
func NewAdminClient(baseURL, machineID string, log *slog.Logger, timeout ...time.Duration) *AdminClient {
	clientTimeout := 10 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = time.Second
	rc.HTTPClient.Timeout = clientTimeout
	rc.CheckRetry = retryablehttp.DefaultRetryPolicy
	// Non-2xx responses are returned to the caller as is, not as errors.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.Logger = nil
	if log != nil {
		rc.Logger = log
	}

	return &AdminClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		machineID:  machineID,
		httpClient: rc.StandardClient(),
	}
}

func (c *AdminClient) endpoint(path string) string {
	q := url.Values{}
	q.Set(api.MachineIDParam, c.machineID)
	return c.baseURL + path + "?" + q.Encode()
}

func (c *AdminClient) get(ctx context.Context, path string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("could not read %s response: %w", path, err)
	}
	return resp.StatusCode, body, nil
}

// BootImageSelect returns the keyword of the image selected for this
// machine, or "" when none is selected.
func (c *AdminClient) BootImageSelect(ctx context.Context) (string, error) {
	status, body, err := c.get(ctx, api.BootImageSelectPath)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("boot image request failed with code %d: %s", status, string(body))
	}

	var result api.BootImageResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse boot image response: %w", err)
	}
	if result.BootImageSelected == nil {
		return "", nil
	}
	return strings.TrimSpace(*result.BootImageSelected), nil
}

// Protect reports whether the machine is flagged for protective shutdown.
// Anything but an explicit true is false.
func (c *AdminClient) Protect(ctx context.Context) (bool, error) {
	status, body, err := c.get(ctx, api.ProtectPath)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("protect request failed with code %d: %s", status, string(body))
	}

	var result api.ProtectResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return false, fmt.Errorf("failed to parse protect response: %w", err)
	}
	return result.Protected != nil && *result.Protected, nil
}

// Envelope returns the base64 ciphertext of the machine's credential.
//
// Returns:
//   - The envelope ciphertext
//   - *api.EnvelopeError when the service rejects the request or returns no ciphertext
//   - Other errors on transport failures
func (c *AdminClient) Envelope(ctx context.Context) (string, error) {
	status, body, err := c.get(ctx, api.EnvelopePath)
	if err != nil {
		return "", err
	}

	var result api.EnvelopeResponse
	if jsonErr := json.Unmarshal(body, &result); jsonErr != nil && status == http.StatusOK {
		return "", fmt.Errorf("failed to parse envelope response: %w", jsonErr)
	}

	if status != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if result.Error != nil {
			msg = *result.Error
		}
		return "", &api.EnvelopeError{StatusCode: status, Message: msg}
	}
	if result.Ciphertext == nil || strings.TrimSpace(*result.Ciphertext) == "" {
		return "", &api.EnvelopeError{StatusCode: status, Message: "response carries no ciphertext"}
	}
	return *result.Ciphertext, nil
}

// RegisterKey uploads the machine's public key.
func (c *AdminClient) RegisterKey(ctx context.Context, reg api.KeyRegistration) error {
	reqJSON, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	u := c.baseURL + strings.Replace(api.MachineKeysPath, "{id}", url.PathEscape(c.machineID), 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(reqJSON))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("register key request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
		return fmt.Errorf("register key failed with code %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
