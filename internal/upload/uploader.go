// Package upload stages chat attachments through the credentialed object
// store: STS credential, signed apply, binary transfer, best-effort commit.
package upload

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/larkbridge/larkbridge/internal/domain"
	"github.com/larkbridge/larkbridge/internal/signer"
)

const (
	defaultMaxBytes = 100 * 1024 * 1024
	uploadScene     = "chat"
	apiVersion      = "2018-08-01"

	// transferOKCode is the embedded success code of the binary endpoint.
	transferOKCode = 2000

	// phaseAttempts bounds retries of each independently retryable phase.
	phaseAttempts = 2
)

// CredentialSource mints one STS tuple per asset. Implemented by the
// upstream client.
type CredentialSource interface {
	AcquireUploadCredential(ctx context.Context, session, scene string) (*domain.UploadCredential, error)
}

// Source describes one attachment to stage. URL may be an http(s) URL or a
// data:<mime>;base64,... URI.
type Source struct {
	URL     string
	Name    string
	IsImage bool
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithHTTPClient sets the client used for all upload HTTP calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(u *Uploader) {
		u.httpClient = httpClient
	}
}

// WithMaxBytes overrides the asset size ceiling.
func WithMaxBytes(maxBytes int64) Option {
	return func(u *Uploader) {
		u.maxBytes = maxBytes
	}
}

// WithSigner overrides the request signer, for tests with a fixed clock.
func WithSigner(s *signer.Signer) Option {
	return func(u *Uploader) {
		u.signer = s
	}
}

// WithScheme overrides the URL scheme used for control-plane and transfer
// calls, for httptest servers.
func WithScheme(scheme string) Option {
	return func(u *Uploader) {
		u.scheme = scheme
	}
}

// WithTimeouts sets the control-plane (apply/commit) and binary-transfer
// deadlines.
func WithTimeouts(control, transfer time.Duration) Option {
	return func(u *Uploader) {
		u.controlTimeout = control
		u.transferTimeout = transfer
	}
}

// WithRetryDelay shortens the pause between phase attempts, for tests.
func WithRetryDelay(d time.Duration) Option {
	return func(u *Uploader) {
		u.retryDelay = d
	}
}

// Uploader runs the three-phase upload handshake for chat attachments.
type Uploader struct {
	creds           CredentialSource
	signer          *signer.Signer
	httpClient      *http.Client
	logger          *slog.Logger
	maxBytes        int64
	region          string
	service         string
	scheme          string
	controlTimeout  time.Duration
	transferTimeout time.Duration
	retryDelay      time.Duration
}

// New creates an Uploader.
func New(creds CredentialSource, region, service string, logger *slog.Logger, opts ...Option) *Uploader {
	u := &Uploader{
		creds:           creds,
		signer:          signer.New(),
		httpClient:      &http.Client{},
		logger:          logger,
		maxBytes:        defaultMaxBytes,
		region:          region,
		service:         service,
		scheme:          "https",
		controlTimeout:  30 * time.Second,
		transferTimeout: 60 * time.Second,
		retryDelay:      time.Second,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// StageAll uploads distinct attachments concurrently and waits for all to
// settle. Failed image uploads degrade to an omitted attachment; failed
// file uploads degrade to a placeholder reference. The parent chat request
// is never aborted here.
func (u *Uploader) StageAll(ctx context.Context, session string, sources []Source) []domain.AssetRef {
	refs := make([]*domain.AssetRef, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func(i int, src Source) {
			defer wg.Done()
			ref, err := u.Upload(ctx, session, src)
			if err != nil {
				u.logger.Warn("attachment upload failed",
					slog.String("kind", string(domain.KindOf(err))),
					slog.String("name", src.Name),
					slog.Bool("image", src.IsImage),
					slog.String("error", err.Error()))
				if !src.IsImage {
					refs[i] = placeholderRef(src)
				}
				return
			}
			refs[i] = ref
		}(i, src)
	}
	wg.Wait()

	out := make([]domain.AssetRef, 0, len(refs))
	for _, ref := range refs {
		if ref != nil {
			out = append(out, *ref)
		}
	}
	return out
}

// Upload stages one asset: materialize bytes, acquire a fresh credential,
// signed apply, binary transfer, best-effort commit, dimension sniff.
func (u *Uploader) Upload(ctx context.Context, session string, src Source) (*domain.AssetRef, error) {
	data, err := u.materialize(ctx, src.URL)
	if err != nil {
		return nil, err
	}

	var cred *domain.UploadCredential
	err = u.retryPhase(ctx, "credential", func() error {
		var perr error
		cred, perr = u.creds.AcquireUploadCredential(ctx, session, uploadScene)
		return perr
	})
	if err != nil {
		return nil, domain.WrapGatewayError(domain.ErrUploadFailed, "credential acquisition failed", err)
	}

	ext := extensionOf(src)

	var staged *domain.StagedObject
	err = u.retryPhase(ctx, "apply", func() error {
		var perr error
		staged, perr = u.apply(ctx, cred, int64(len(data)), ext, src.IsImage)
		return perr
	})
	if err != nil {
		return nil, domain.WrapGatewayError(domain.ErrUploadFailed, "apply failed", err)
	}

	err = u.retryPhase(ctx, "transfer", func() error {
		return u.transfer(ctx, staged, data)
	})
	if err != nil {
		return nil, domain.WrapGatewayError(domain.ErrUploadFailed, "binary transfer failed", err)
	}

	if src.IsImage {
		// The staged object may already be usable; a failed commit is
		// logged and swallowed.
		if err := u.commit(ctx, cred, staged); err != nil {
			u.logger.Warn("commit failed, keeping staged object",
				slog.String("store_uri", staged.StoreURI),
				slog.String("error", err.Error()))
		}
	}

	ref := &domain.AssetRef{
		StorageKey: staged.StoreURI,
		Kind:       domain.AssetKindFile,
		Name:       nameOf(src),
		Extension:  ext,
	}
	if src.IsImage {
		ref.Kind = domain.AssetKindImage
		ref.Width, ref.Height = sniffDimensions(data)
	}
	return ref, nil
}

// materialize resolves the source into raw bytes, bounded by the size
// ceiling. URL-sourced assets are probed first.
func (u *Uploader) materialize(ctx context.Context, rawURL string) ([]byte, error) {
	if strings.HasPrefix(rawURL, "data:") {
		return u.decodeDataURI(rawURL)
	}
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return nil, domain.NewGatewayError(domain.ErrInvalidRemoteAsset,
			fmt.Sprintf("unsupported attachment scheme in %q", rawURL))
	}

	if err := u.probe(ctx, rawURL); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, domain.WrapGatewayError(domain.ErrInvalidRemoteAsset, "invalid attachment url", err)
	}
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, domain.WrapGatewayError(domain.ErrInvalidRemoteAsset, "attachment fetch failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, domain.NewGatewayError(domain.ErrInvalidRemoteAsset,
			fmt.Sprintf("attachment fetch status %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, u.maxBytes+1))
	if err != nil {
		return nil, domain.WrapGatewayError(domain.ErrInvalidRemoteAsset, "attachment read failed", err)
	}
	if int64(len(data)) > u.maxBytes {
		return nil, domain.NewGatewayError(domain.ErrInvalidRemoteAsset,
			fmt.Sprintf("attachment exceeds %d bytes", u.maxBytes))
	}
	return data, nil
}

// probe is the existence and size pre-check for URL-sourced assets.
func (u *Uploader) probe(ctx context.Context, rawURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return domain.WrapGatewayError(domain.ErrInvalidRemoteAsset, "invalid attachment url", err)
	}
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return domain.WrapGatewayError(domain.ErrInvalidRemoteAsset, "attachment probe failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode != http.StatusOK {
		return domain.NewGatewayError(domain.ErrInvalidRemoteAsset,
			fmt.Sprintf("attachment probe status %d", resp.StatusCode))
	}
	if resp.ContentLength > u.maxBytes {
		return domain.NewGatewayError(domain.ErrInvalidRemoteAsset,
			fmt.Sprintf("attachment size %d exceeds ceiling %d", resp.ContentLength, u.maxBytes))
	}
	return nil
}

func (u *Uploader) decodeDataURI(uri string) ([]byte, error) {
	comma := strings.Index(uri, ",")
	if comma < 0 {
		return nil, domain.NewGatewayError(domain.ErrInvalidRemoteAsset, "malformed data uri")
	}
	data, err := base64.StdEncoding.DecodeString(uri[comma+1:])
	if err != nil {
		return nil, domain.WrapGatewayError(domain.ErrInvalidRemoteAsset, "data uri decode failed", err)
	}
	if int64(len(data)) > u.maxBytes {
		return nil, domain.NewGatewayError(domain.ErrInvalidRemoteAsset,
			fmt.Sprintf("inline attachment exceeds %d bytes", u.maxBytes))
	}
	return data, nil
}

type applyResponse struct {
	Result struct {
		UploadAddress struct {
			StoreInfos []struct {
				StoreURI string `json:"StoreUri"`
				Auth     string `json:"Auth"`
			} `json:"StoreInfos"`
			UploadHosts []string `json:"UploadHosts"`
		} `json:"UploadAddress"`
	} `json:"Result"`
}

// apply declares file size and extension against the control plane and
// returns the staged object. Store URI, auth token and upload host are all
// required; missing any is a hard failure of this attempt.
func (u *Uploader) apply(ctx context.Context, cred *domain.UploadCredential, size int64, ext string, isImage bool) (*domain.StagedObject, error) {
	ctx, cancel := context.WithTimeout(ctx, u.controlTimeout)
	defer cancel()

	action := "ApplyImageUpload"
	if !isImage {
		action = "ApplyUploadInner"
	}
	query := url.Values{
		"Action":        {action},
		"Version":       {apiVersion},
		"ServiceId":     {cred.ServiceID},
		"FileSize":      {strconv.FormatInt(size, 10)},
		"FileExtension": {ext},
	}

	respBody, err := u.signedCall(ctx, http.MethodGet, cred, query, nil)
	if err != nil {
		return nil, err
	}

	var parsed applyResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal apply response: %w", err)
	}

	addr := parsed.Result.UploadAddress
	if len(addr.StoreInfos) == 0 || len(addr.UploadHosts) == 0 ||
		addr.StoreInfos[0].StoreURI == "" || addr.StoreInfos[0].Auth == "" || addr.UploadHosts[0] == "" {
		return nil, fmt.Errorf("apply response missing store uri, auth token or upload host")
	}

	return &domain.StagedObject{
		StoreURI:   addr.StoreInfos[0].StoreURI,
		AuthToken:  addr.StoreInfos[0].Auth,
		ObjectHost: addr.UploadHosts[0],
	}, nil
}

type transferResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// transfer PUTs the raw bytes to the storage host with the per-object auth
// token and a CRC-32 content checksum.
func (u *Uploader) transfer(ctx context.Context, staged *domain.StagedObject, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, u.transferTimeout)
	defer cancel()

	endpoint := url.URL{
		Scheme: u.scheme,
		Host:   staged.ObjectHost,
		Path:   path.Join("/upload/v1", staged.StoreURI),
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint.String(), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create transfer request: %w", err)
	}
	req.Header.Set("Authorization", staged.AuthToken)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-CRC32", fmt.Sprintf("%08x", crc32.ChecksumIEEE(data)))

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("transfer failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("failed to read transfer response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("transfer status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed transferResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("failed to unmarshal transfer response: %w", err)
	}
	if parsed.Code != transferOKCode {
		return fmt.Errorf("transfer rejected (code %d): %s", parsed.Code, parsed.Message)
	}
	return nil
}

// commit finalizes a staged image with a base64 session descriptor.
func (u *Uploader) commit(ctx context.Context, cred *domain.UploadCredential, staged *domain.StagedObject) error {
	ctx, cancel := context.WithTimeout(ctx, u.controlTimeout)
	defer cancel()

	descriptor, err := json.Marshal(map[string]string{
		"store_uri":  staged.StoreURI,
		"service_id": cred.ServiceID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session descriptor: %w", err)
	}
	body, err := json.Marshal(map[string]string{
		"SessionKey": base64.StdEncoding.EncodeToString(descriptor),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal commit request: %w", err)
	}

	query := url.Values{
		"Action":    {"CommitImageUpload"},
		"Version":   {apiVersion},
		"ServiceId": {cred.ServiceID},
	}
	_, err = u.signedCall(ctx, http.MethodPost, cred, query, body)
	return err
}

// signedCall issues one Request-Signer-signed control-plane call against the
// upload host. Signatures are single-use; every call re-signs.
func (u *Uploader) signedCall(ctx context.Context, method string, cred *domain.UploadCredential, query url.Values, body []byte) ([]byte, error) {
	signed := u.signer.Sign(method, cred.UploadHost, "/", query, signer.Credential{
		AccessKey:    cred.AccessKey,
		SecretKey:    cred.SecretKey,
		SessionToken: cred.SessionToken,
		Region:       u.region,
		Service:      u.service,
	}, body)

	endpoint := url.URL{
		Scheme:   u.scheme,
		Host:     cred.UploadHost,
		Path:     "/",
		RawQuery: query.Encode(),
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create signed request: %w", err)
	}
	req.Header.Set("Authorization", signed.Authorization)
	req.Header.Set("X-Amz-Date", signed.Date)
	if signed.SessionToken != "" {
		req.Header.Set("X-Amz-Security-Token", signed.SessionToken)
	}
	if body != nil {
		req.Header.Set("X-Amz-Content-Sha256", signed.PayloadHash)
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signed %s call failed: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read signed call response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signed %s status %d: %s", method, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// retryPhase runs one pipeline phase with bounded retries.
func (u *Uploader) retryPhase(ctx context.Context, name string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= phaseAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < phaseAttempts {
			u.logger.Debug("upload phase retrying",
				slog.String("phase", name),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(u.retryDelay):
			}
		}
	}
	return err
}

func placeholderRef(src Source) *domain.AssetRef {
	return &domain.AssetRef{
		Kind:      domain.AssetKindFile,
		Name:      nameOf(src),
		Extension: extensionOf(src),
	}
}

func nameOf(src Source) string {
	if src.Name != "" {
		return src.Name
	}
	if strings.HasPrefix(src.URL, "data:") {
		return "attachment"
	}
	if parsed, err := url.Parse(src.URL); err == nil {
		if base := path.Base(parsed.Path); base != "." && base != "/" {
			return base
		}
	}
	return "attachment"
}

func extensionOf(src Source) string {
	if ext := path.Ext(nameOf(src)); ext != "" {
		return ext
	}
	if strings.HasPrefix(src.URL, "data:image/png") {
		return ".png"
	}
	if strings.HasPrefix(src.URL, "data:image/jpeg") || strings.HasPrefix(src.URL, "data:image/jpg") {
		return ".jpeg"
	}
	if strings.HasPrefix(src.URL, "data:image/webp") {
		return ".webp"
	}
	if src.IsImage {
		return ".png"
	}
	return ".bin"
}
