package runner

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/logging"
	"github.com/agentmux/agentmux/internal/signing"
	"github.com/agentmux/agentmux/internal/store"
)

// ErrFatal marks gateway rejections the supervisor cannot recover from:
// the run is gone, the capability is wrong, or we are being throttled out.
var ErrFatal = errors.New("runner: gateway rejected request")

// Client is the signed HTTP client for the gateway. Every request carries
// the HMAC headers; run-scoped calls add the run id and capability token.
type Client struct {
	base        string
	http        *http.Client
	signer      *signing.Signer
	runID       string
	capToken    string
	clientToken string
	log         zerolog.Logger
}

// NewClient builds a gateway client from runner configuration. runID and
// capToken may be empty for client-scoped calls (register, claim).
func NewClient(cfg *config.Runner, runID, capToken string) *Client {
	transport := http.DefaultTransport
	if cfg.AllowSelfSignedCerts {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		transport = t
	}
	return &Client{
		base:        cfg.GatewayURL,
		http:        &http.Client{Timeout: 30 * time.Second, Transport: transport},
		signer:      signing.NewSigner(cfg.HMACSecret),
		runID:       runID,
		capToken:    capToken,
		clientToken: cfg.ClientToken,
		log:         logging.WithComponent("gateway-client"),
	}
}

// BindRun re-scopes the client to a run, used after a claim.
func (c *Client) BindRun(runID, capToken string) {
	c.runID = runID
	c.capToken = capToken
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body []byte, out any) error {
	nonce, err := signing.NewNonce()
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := c.signer.Sign(&signing.Request{
		Method: method, Path: path, Body: body,
		Timestamp: ts, Nonce: nonce,
		RunID: c.runID, CapabilityToken: c.capToken,
	})

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set(signing.HeaderTimestamp, ts)
	req.Header.Set(signing.HeaderNonce, nonce)
	req.Header.Set(signing.HeaderSignature, sig)
	if c.runID != "" {
		req.Header.Set(signing.HeaderRunID, c.runID)
	}
	if c.capToken != "" {
		req.Header.Set(signing.HeaderCapabilityToken, c.capToken)
	}
	if c.clientToken != "" {
		req.Header.Set(signing.HeaderClientToken, c.clientToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("runner: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden,
			http.StatusNotFound, http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s %s: status %d", ErrFatal, method, path, resp.StatusCode)
		}
		return fmt.Errorf("runner: %s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("runner: decode %s response: %w", path, err)
		}
	}
	return nil
}

// IngestEvent appends one event to the run.
func (c *Client) IngestEvent(ctx context.Context, eventType, data string, sequence int64) error {
	body, err := json.Marshal(map[string]any{
		"type": eventType, "data": data, "sequence": sequence,
	})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/api/ingest/event", "application/json", body, nil)
}

// PollCommands fetches the run's pending commands, oldest first.
func (c *Client) PollCommands(ctx context.Context) ([]store.Command, error) {
	var out struct {
		Commands []store.Command `json:"commands"`
	}
	path := "/api/runs/" + c.runID + "/commands"
	if err := c.do(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return out.Commands, nil
}

// AckCommand completes a command.
func (c *Client) AckCommand(ctx context.Context, commandID, result, errMsg string) error {
	body, err := json.Marshal(map[string]string{"result": result, "error": errMsg})
	if err != nil {
		return err
	}
	path := "/api/runs/" + c.runID + "/commands/" + commandID + "/ack"
	return c.do(ctx, http.MethodPost, path, "application/json", body, nil)
}

// UpsertState writes crash-resume state. Nil fields are left untouched.
func (c *Client) UpsertState(ctx context.Context, workingDir, originalCommand *string,
	lastSequence *int64, stdinBuffer *string) error {
	body, err := json.Marshal(map[string]any{
		"workingDir":      workingDir,
		"originalCommand": originalCommand,
		"lastSequence":    lastSequence,
		"stdinBuffer":     stdinBuffer,
	})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/api/runs/"+c.runID+"/state", "application/json", body, nil)
}

// UploadArtifact sends a file as multipart form data.
func (c *Client) UploadArtifact(ctx context.Context, name string, r io.Reader) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, r); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/api/ingest/artifact", mw.FormDataContentType(), buf.Bytes(), nil)
}

// Register self-registers the worker host under its client token.
func (c *Client) Register(ctx context.Context, agentID, version string, capabilities []string) error {
	body, err := json.Marshal(map[string]any{
		"agentId": agentID, "version": version, "capabilities": capabilities,
	})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/api/clients/register", "application/json", body, nil)
}

// Heartbeat advances the client's last-seen timestamp.
func (c *Client) Heartbeat(ctx context.Context, agentID, version string) error {
	body, err := json.Marshal(map[string]any{"agentId": agentID, "version": version})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/api/clients/heartbeat", "application/json", body, nil)
}

// ClaimRun asks for a pending run. A nil run means nothing is waiting.
func (c *Client) ClaimRun(ctx context.Context) (*store.Run, string, error) {
	var out struct {
		Run             *store.Run `json:"run"`
		CapabilityToken string     `json:"capabilityToken"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/runs/claim", "application/json", nil, &out); err != nil {
		return nil, "", err
	}
	return out.Run, out.CapabilityToken, nil
}
