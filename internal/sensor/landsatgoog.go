package sensor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/remotesensinginfo/eodatadown/internal/models"
)

// landsatGoogOptions are the provider parameters for the Landsat catalog
// mirror. APIKey is sent as a bearer token on every request.
type landsatGoogOptions struct {
	CatalogURL string  `json:"catalog_url"`
	APIKey     string  `json:"api_key"`
	MaxCloud   float64 `json:"max_cloud"`
	TimeoutStr string  `json:"http_timeout"`
}

// landsatGoog queries a Landsat catalog endpoint over HTTP and downloads
// scene bundles from the URLs it reports, verified against catalog MD5s.
type landsatGoog struct {
	name   string
	opts   landsatGoogOptions
	ard    ARDConfig
	client *http.Client
}

func newLandsatGoog(def Definition) (*landsatGoog, error) {
	var opts landsatGoogOptions
	if len(def.Options) > 0 {
		if err := json.Unmarshal(def.Options, &opts); err != nil {
			return nil, &models.ConfigurationError{Field: "sensors", Reason: fmt.Sprintf("sensor %s: %v", def.Name, err)}
		}
	}
	if opts.CatalogURL == "" {
		return nil, &models.ConfigurationError{Field: "sensors", Reason: fmt.Sprintf("sensor %s: catalog_url is required", def.Name)}
	}
	timeout := 2 * time.Minute
	if opts.TimeoutStr != "" {
		if d, err := time.ParseDuration(opts.TimeoutStr); err == nil && d > 0 {
			timeout = d
		}
	}
	return &landsatGoog{
		name:   def.Name,
		opts:   opts,
		ard:    def.ARD,
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (l *landsatGoog) Name() string { return l.name }

// catalogRecord is one scene in the catalog response.
type catalogRecord struct {
	SceneID     string    `json:"scene_id"`
	AcquiredAt  time.Time `json:"acquired_at"`
	Footprint   string    `json:"footprint"`
	CloudCover  float64   `json:"cloud_cover"`
	DownloadURL string    `json:"download_url"`
	MD5         string    `json:"md5"`
	Size        int64     `json:"size"`
}

func (l *landsatGoog) Query(ctx context.Context, window TimeWindow) ([]SceneDescriptor, error) {
	q := url.Values{}
	q.Set("start", window.Start.UTC().Format(time.RFC3339))
	q.Set("end", window.End.UTC().Format(time.RFC3339))
	if l.opts.MaxCloud > 0 {
		q.Set("max_cloud", fmt.Sprintf("%g", l.opts.MaxCloud))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.opts.CatalogURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	l.authorize(req)

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, &models.TransientNetworkError{Op: "catalog query", Err: err}
	}
	defer resp.Body.Close()

	if err := l.classifyStatus(resp.StatusCode, "catalog query"); err != nil {
		return nil, err
	}

	var records []catalogRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, &models.TransientNetworkError{Op: "catalog decode", Err: err}
	}

	descs := make([]SceneDescriptor, 0, len(records))
	for _, rec := range records {
		descs = append(descs, SceneDescriptor{
			SceneID:    rec.SceneID,
			AcquiredAt: rec.AcquiredAt,
			Footprint:  rec.Footprint,
			CloudCover: rec.CloudCover,
			Source:     rec.DownloadURL,
			Size:       rec.Size,
			MD5:        rec.MD5,
		})
	}
	return descs, nil
}

func (l *landsatGoog) Download(ctx context.Context, desc SceneDescriptor, dest string) (IntegrityToken, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.Source, nil)
	if err != nil {
		return IntegrityToken{}, fmt.Errorf("build download request: %w", err)
	}
	l.authorize(req)

	resp, err := l.client.Do(req)
	if err != nil {
		return IntegrityToken{}, &models.TransientNetworkError{Op: "download", Err: err}
	}
	defer resp.Body.Close()

	if err := l.classifyStatus(resp.StatusCode, "download"); err != nil {
		return IntegrityToken{}, err
	}

	out, err := os.Create(dest)
	if err != nil {
		return IntegrityToken{}, fmt.Errorf("create staging file: %w", err)
	}
	defer out.Close()

	written, err := io.Copy(out, resp.Body)
	if err != nil {
		return IntegrityToken{}, &models.TransientNetworkError{Op: "download body", Err: err}
	}

	// Prefer the response digest; fall back to what the catalog reported.
	token := IntegrityToken{MD5: resp.Header.Get("Content-MD5"), Size: written}
	if token.MD5 == "" {
		token.MD5 = desc.MD5
	}
	if desc.Size > 0 {
		token.Size = desc.Size
	}
	return token, nil
}

func (l *landsatGoog) Process(localPath, outputPath, tmpDir string) (Invocation, error) {
	if l.ard.Program == "" {
		return Invocation{}, &models.ConfigurationError{Field: "sensors", Reason: fmt.Sprintf("sensor %s: ard.program is required", l.name)}
	}
	return l.ard.BuildInvocation(localPath, outputPath, tmpDir), nil
}

func (l *landsatGoog) authorize(req *http.Request) {
	if l.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+l.opts.APIKey)
	}
}

func (l *landsatGoog) classifyStatus(code int, op string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &models.AuthenticationError{Sensor: l.name, Err: fmt.Errorf("%s: status %d", op, code)}
	case code >= http.StatusBadRequest:
		return &models.TransientNetworkError{Op: op, Err: fmt.Errorf("status %d", code)}
	}
	return nil
}
