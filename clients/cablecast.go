// Package clients implements the External Clients component (C5): a
// narrow, retry-aware Cablecast REST client, an ASR invocation wrapper, and
// a filesystem capability with capped retry on transient I/O. All three are
// leaves: besides config, log, metrics and errors they use only the
// subprocess and cache helper packages of this module.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/civiccaption/flexcore/config"
	xerrors "github.com/civiccaption/flexcore/errors"
	"github.com/civiccaption/flexcore/log"
	"github.com/civiccaption/flexcore/metrics"
)

// Show is a Cablecast show catalog entry, trimmed to the fields the core
// needs for its (label, date) matching heuristic.
type Show struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Date  string `json:"cablecastDate"`
}

// ShowFilter narrows ListShows to candidates worth matching against.
type ShowFilter struct {
	Label string
	Date  string
}

// VODMetadata is attached to a VOD created from an uploaded captioned
// recording.
type VODMetadata struct {
	Name        string
	Description string
}

// UploadProgressFunc is invoked periodically during CreateVOD with bytes
// sent so far; the core uses it purely for logging/metrics, never to
// control flow.
type UploadProgressFunc func(bytesSent int64)

// CablecastClient is the narrow surface the Upload/Validate stages need:
// ListShows/GetShow for show matching, CreateVOD for publishing, GetVOD for
// readiness polling.
type CablecastClient interface {
	ListShows(ctx context.Context, filter ShowFilter) ([]Show, error)
	GetShow(ctx context.Context, id int) (Show, error)
	CreateVOD(ctx context.Context, showID int, path string, metadata VODMetadata, progress UploadProgressFunc) (vodID int, err error)
	GetVOD(ctx context.Context, id int) (VOD, error)
}

// VOD is the subset of a Cablecast VOD record the Validate stage checks.
type VOD struct {
	ID              int     `json:"id"`
	Complete        bool    `json:"complete"`
	DurationSeconds float64 `json:"lengthInSeconds"`
}

// cablecastClient is the production CablecastClient, backed by
// retryablehttp with basic auth and a token-bucket limiter in front of it,
// so transient 5xx/transport failures are absorbed before a stage sees them.
type cablecastClient struct {
	baseURL    string
	username   string
	password   string
	locationID string
	httpClient *http.Client
	limiter    *rate.Limiter

	// signingSecret, when set, attaches a short-lived signed token to each
	// CreateVOD request for gateway-fronted Cablecast deployments.
	signingSecret []byte
}

// NewCablecastClient builds a production client. rateLimit is requests per
// second; a limit <= 0 disables limiting.
func NewCablecastClient(baseURL, username, password, locationID string, rateLimit float64) CablecastClient {
	return NewCablecastClientWithSigning(baseURL, username, password, locationID, rateLimit, "")
}

// NewCablecastClientWithSigning is NewCablecastClient plus an optional
// upload-token signing secret; empty disables token attachment.
func NewCablecastClientWithSigning(baseURL, username, password, locationID string, rateLimit float64, signingSecret string) CablecastClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 10 * time.Second
	rc.CheckRetry = metrics.HttpRetryHook
	rc.Logger = log.NewRetryableHTTPLogger()
	rc.HTTPClient = &http.Client{Timeout: 2 * time.Minute}

	var limiter *rate.Limiter
	if rateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateLimit), 5)
	}

	c := &cablecastClient{
		baseURL:    baseURL,
		username:   username,
		password:   password,
		locationID: locationID,
		httpClient: rc.StandardClient(),
		limiter:    limiter,
	}
	if signingSecret != "" {
		c.signingSecret = []byte(signingSecret)
	}
	return c
}

func (c *cablecastClient) await(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *cablecastClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	return req, nil
}

func (c *cablecastClient) do(req *http.Request) (*http.Response, error) {
	return metrics.MonitorRequest(metrics.M.CablecastClient, c.httpClient, req)
}

func (c *cablecastClient) ListShows(ctx context.Context, filter ShowFilter) ([]Show, error) {
	if err := c.await(ctx); err != nil {
		return nil, err
	}
	q := url.Values{}
	if filter.Label != "" {
		q.Set("nameLike", filter.Label)
	}
	if filter.Date != "" {
		q.Set("cablecastDate", filter.Date)
	}
	if c.locationID != "" {
		q.Set("locationID", c.locationID)
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/cablecastapi/v1/shows?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building ListShows request: %w", err)
	}
	res, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("calling ListShows: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return nil, fmt.Errorf("ListShows: unexpected status %d", res.StatusCode)
	}
	var wrapper struct {
		Shows []Show `json:"shows"`
	}
	if err := json.NewDecoder(res.Body).Decode(&wrapper); err != nil {
		return nil, fmt.Errorf("decoding ListShows response: %w", err)
	}
	return wrapper.Shows, nil
}

func (c *cablecastClient) GetShow(ctx context.Context, id int) (Show, error) {
	if err := c.await(ctx); err != nil {
		return Show{}, err
	}
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/cablecastapi/v1/shows/%d", id), nil)
	if err != nil {
		return Show{}, fmt.Errorf("building GetShow request: %w", err)
	}
	res, err := c.do(req)
	if err != nil {
		return Show{}, fmt.Errorf("calling GetShow: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return Show{}, xerrors.NewShowNotFoundError(strconv.Itoa(id), "")
	}
	if res.StatusCode >= 400 {
		return Show{}, fmt.Errorf("GetShow: unexpected status %d", res.StatusCode)
	}
	var wrapper struct {
		Show Show `json:"show"`
	}
	if err := json.NewDecoder(res.Body).Decode(&wrapper); err != nil {
		return Show{}, fmt.Errorf("decoding GetShow response: %w", err)
	}
	return wrapper.Show, nil
}

// CreateVOD multipart-uploads path as a new VOD attached to showID. It does
// not retry on its own: an interrupted multipart upload cannot be safely
// resumed mid-body, so the caller (Upload stage) decides whether to retry
// the whole operation and accepts the possible-orphan-VOD risk documented
// in the pipeline package.
func (c *cablecastClient) CreateVOD(ctx context.Context, showID int, path string, metadata VODMetadata, progress UploadProgressFunc) (int, error) {
	if err := c.await(ctx); err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening upload source %s: %w", path, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		defer mw.Close()
		_ = mw.WriteField("showID", strconv.Itoa(showID))
		_ = mw.WriteField("name", metadata.Name)
		_ = mw.WriteField("description", metadata.Description)
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			_ = pw.CloseWithError(err)
			return
		}
		var sent int64
		buf := make([]byte, 256*1024)
		for {
			n, rerr := f.Read(buf)
			if n > 0 {
				if _, werr := part.Write(buf[:n]); werr != nil {
					_ = pw.CloseWithError(werr)
					return
				}
				sent += int64(n)
				if progress != nil {
					progress(sent)
				}
			}
			if rerr == io.EOF {
				return
			}
			if rerr != nil {
				_ = pw.CloseWithError(rerr)
				return
			}
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/cablecastapi/v1/vods", pr)
	if err != nil {
		return 0, fmt.Errorf("building CreateVOD request: %w", err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.signingSecret != nil {
		token, terr := NewUploadToken(c.signingSecret, filepath.Base(path))
		if terr != nil {
			return 0, terr
		}
		req.Header.Set("X-Upload-Token", token)
	}

	res, err := metrics.MonitorRequest(metrics.M.CablecastClient, c.httpClient, req)
	if err != nil {
		return 0, fmt.Errorf("calling CreateVOD: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		body, _ := io.ReadAll(res.Body)
		return 0, fmt.Errorf("CreateVOD: unexpected status %d: %s", res.StatusCode, bytes.TrimSpace(body))
	}
	var wrapper struct {
		VOD VOD `json:"vod"`
	}
	if err := json.NewDecoder(res.Body).Decode(&wrapper); err != nil {
		return 0, fmt.Errorf("decoding CreateVOD response: %w", err)
	}
	return wrapper.VOD.ID, nil
}

func (c *cablecastClient) GetVOD(ctx context.Context, id int) (VOD, error) {
	if err := c.await(ctx); err != nil {
		return VOD{}, err
	}
	req, err := c.newRequest(ctx, http.MethodGet, fmt.Sprintf("/cablecastapi/v1/vods/%d", id), nil)
	if err != nil {
		return VOD{}, fmt.Errorf("building GetVOD request: %w", err)
	}
	res, err := c.do(req)
	if err != nil {
		return VOD{}, fmt.Errorf("calling GetVOD: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode >= 400 {
		return VOD{}, fmt.Errorf("GetVOD: unexpected status %d", res.StatusCode)
	}
	var wrapper struct {
		VOD VOD `json:"vod"`
	}
	if err := json.NewDecoder(res.Body).Decode(&wrapper); err != nil {
		return VOD{}, fmt.Errorf("decoding GetVOD response: %w", err)
	}
	return wrapper.VOD, nil
}

// NewCablecastClientFromConfig is the constructor cmd/flexcore/main.go
// wires from parsed flags.
func NewCablecastClientFromConfig(cli config.Cli) CablecastClient {
	return NewCablecastClientWithSigning(cli.CablecastBaseURL, cli.CablecastUsername, cli.CablecastPassword, cli.CablecastLocationID, cli.CablecastRateLimit, cli.CablecastSigningSecret)
}
