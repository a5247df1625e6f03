package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/scania/scanhub/internal/model"
)

const (
	uploadPath  = "api/v1/bom"
	contentType = "application/vnd.cyclonedx+json; version=1.6"
)

// Uploader receives the CycloneDX document of a finished job.
type Uploader interface {
	Upload(ctx context.Context, jobID string, raw []byte) error
}

// uploaders builds the destinations of service.export. Nil config means no export.
func uploaders(cfg *model.Export) ([]Uploader, error) {
	if cfg == nil {
		return nil, nil
	}
	var out []Uploader
	if cfg.Stdout {
		out = append(out, NewWriteUploader(os.Stdout))
	}
	if cfg.Dir != "" {
		u, err := NewOSRootUploader(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("service.export.dir: %w", err)
		}
		out = append(out, u)
	}
	if cfg.Repository != nil {
		u, err := NewBOMRepoUploader(cfg.Repository.URL)
		if err != nil {
			return nil, fmt.Errorf("service.export.repository: %w", err)
		}
		out = append(out, u)
	}
	return out, nil
}

type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, _ string, raw []byte) error {
	if u.w == nil {
		u.w = os.Stdout
	}
	_, err := u.w.Write(raw)
	return err
}

// OSRootUploader writes one file per job below a directory.
type OSRootUploader struct {
	root *os.Root
	now  func() time.Time
}

func NewOSRootUploader(path string) (*OSRootUploader, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootUploader{root: root, now: time.Now}, nil
}

func (u *OSRootUploader) Upload(ctx context.Context, jobID string, b []byte) error {
	if u.root == nil {
		return errors.New("root already closed")
	}

	path := "scanhub-" + jobID + "-" + u.now().Format("2006-01-02-15-04-05") + ".json"

	f, err := u.root.Create(path)
	if err != nil {
		return fmt.Errorf("creating bom file: %w", err)
	}
	_, err = f.Write(b)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving bom: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing bom file: %w", err)
	}
	slog.InfoContext(ctx, "bom saved", "path", path)
	return nil
}

func (u *OSRootUploader) Close() error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}

// BOMRepoUploader posts documents to a CycloneDX BOM repository.
type BOMRepoUploader struct {
	requestURL *url.URL
	client     *http.Client
}

func NewBOMRepoUploader(serverURL string) (*BOMRepoUploader, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")

	if parsedURL.Scheme == "" || parsedURL.Host == "" || parsedURL.Path != "" {
		return nil, errors.New("please define the server url with a scheme and without path, e.g. `http://some-url.com`")
	}
	parsedURL.Path = uploadPath

	return &BOMRepoUploader{
		requestURL: parsedURL,
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *BOMRepoUploader) Upload(ctx context.Context, jobID string, raw []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.requestURL.String(), bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	createResp, err := decodeUploadResponse(resp)
	if err != nil {
		return err
	}
	slog.DebugContext(ctx, "BOM uploaded successfully.",
		slog.String("job_id", jobID),
		slog.String("urn", createResp.SerialNumber),
		slog.Int("version", createResp.Version))
	return nil
}

type BOMCreateResponse struct {
	SerialNumber string `json:"serialNumber"`
	Version      int    `json:"version"`
}

func decodeUploadResponse(resp *http.Response) (BOMCreateResponse, error) {
	contentType, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		return BOMCreateResponse{}, fmt.Errorf("failed to parse response content type header: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusCreated:
		if contentType != "application/json" {
			return BOMCreateResponse{}, fmt.Errorf("expected `application/json` content type, got: %s", contentType)
		}
		var bc BOMCreateResponse
		if err := json.NewDecoder(resp.Body).Decode(&bc); err != nil {
			return BOMCreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		if bc.SerialNumber == "" || bc.Version == 0 {
			return BOMCreateResponse{}, errors.New("received unexpected body")
		}
		return bc, nil

	case http.StatusBadRequest, http.StatusConflict, http.StatusUnsupportedMediaType:
		if contentType != "application/problem+json" {
			return BOMCreateResponse{}, fmt.Errorf("expected `application/problem+json` content type, got: %s", contentType)
		}
		var problemDetail struct {
			Detail string `json:"detail"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&problemDetail); err != nil {
			return BOMCreateResponse{}, fmt.Errorf("decoding json response failed: %w", err)
		}
		return BOMCreateResponse{}, fmt.Errorf("status code: %d, detail: %s", resp.StatusCode, problemDetail.Detail)
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return BOMCreateResponse{}, err
	}
	return BOMCreateResponse{}, fmt.Errorf("unknown error, status: %d, body: %s", resp.StatusCode, string(respBody))
}
