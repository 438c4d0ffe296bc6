package provider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

func init() {
	Register(TypeDrive, func(cfg Config) (Provider, error) {
		return NewDrive(cfg.URL, cfg.Token)
	})
}

// Drive stores the sync file on a cloud drive exposed over HTTP: GET
// reads the file, PUT replaces it, HEAD answers the last-modified probe.
// Authentication is a bearer token supplied by the app's OAuth plumbing,
// which is outside this package's concern.
type Drive struct {
	url    string
	token  string
	client *http.Client
}

// NewDrive returns a provider for the file at rawURL.
func NewDrive(rawURL, token string) (*Drive, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("drive provider needs a url")
	}
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("invalid drive url %s: %w", rawURL, err)
	}
	return &Drive{
		url:    rawURL,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// Read implements Provider.
func (d *Drive) Read(ctx context.Context) ([]byte, error) {
	resp, err := d.do(ctx, http.MethodGet, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := d.checkStatus(resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read drive response: %w", err)
	}
	return data, nil
}

// Write implements Provider.
func (d *Drive) Write(ctx context.Context, data []byte) error {
	resp, err := d.do(ctx, http.MethodPut, data)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return d.checkStatus(resp)
}

// LastModified implements Provider via a HEAD request, so the poll loop
// never downloads the file just to learn nothing changed.
func (d *Drive) LastModified(ctx context.Context) (time.Time, error) {
	resp, err := d.do(ctx, http.MethodHead, nil)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	if err := d.checkStatus(resp); err != nil {
		return time.Time{}, err
	}
	lm := resp.Header.Get("Last-Modified")
	if lm == "" {
		return time.Time{}, fmt.Errorf("drive response missing Last-Modified header")
	}
	t, err := http.ParseTime(lm)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad Last-Modified header %q: %w", lm, err)
	}
	return t, nil
}

// DisplayName implements Provider.
func (d *Drive) DisplayName() string {
	u, err := url.Parse(d.url)
	if err != nil {
		return d.url
	}
	return path.Base(u.Path)
}

func (d *Drive) do(ctx context.Context, method string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.url, reader)
	if err != nil {
		return nil, err
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("drive request failed: %w", err)
	}
	return resp, nil
}

func (d *Drive) checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, resp.Status)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", ErrPermission, resp.Status)
	default:
		return fmt.Errorf("drive returned %s", resp.Status)
	}
}
