package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/vapi-call-sync/internal/config"
	"gitlab.com/timkado/api/vapi-call-sync/internal/model"
	"gitlab.com/timkado/api/vapi-call-sync/internal/observer"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/logger"
	"gitlab.com/timkado/api/vapi-call-sync/pkg/utils"
)

const (
	DefaultPrefix    = "vapi-call-recordings"
	DefaultExtension = "wav"
	DefaultMinBytes  = 1000

	defaultTimeout   = 120 * time.Second
	defaultUserAgent = "vapi-call-sync/1.0"
)

// maxAudioBytes caps a single recording download.
var maxAudioBytes int64 = 1 << 30

var (
	// ErrNoRecording is returned when a call has no recording URL.
	ErrNoRecording = errors.New("no recording url")
	// ErrAudioTooSmall is returned for bodies under the minimum size.
	ErrAudioTooSmall = errors.New("audio body too small")
	// ErrAudioTooLarge is returned for bodies over the download limit.
	ErrAudioTooLarge = errors.New("audio body too large")

	unsafeSegment = regexp.MustCompile(`[^a-zA-Z0-9_-]`)
)

// Archiver downloads call recordings into a Storage backend.
type Archiver struct {
	store      Storage
	httpClient *http.Client
	prefix     string
	timeout    time.Duration
	userAgent  string
	minBytes   int64
	log        *zap.Logger
}

// NewArchiver creates an archiver, applying defaults for zero config values.
func NewArchiver(store Storage, cfg config.AudioConfig, log *zap.Logger) *Archiver {
	a := &Archiver{
		store:     store,
		prefix:    strings.Trim(cfg.Prefix, "/"),
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		minBytes:  cfg.MinBytes,
	}
	if a.prefix == "" {
		a.prefix = DefaultPrefix
	}
	if a.timeout <= 0 {
		a.timeout = defaultTimeout
	}
	if a.userAgent == "" {
		a.userAgent = defaultUserAgent
	}
	if a.minBytes <= 0 {
		a.minBytes = DefaultMinBytes
	}
	if log == nil {
		log = logger.Log
	}
	a.log = log.Named("audio_archiver")
	a.httpClient = &http.Client{Timeout: a.timeout}
	return a
}

// SafeOrganizationName turns an organization name into a path segment:
// characters outside [a-zA-Z0-9_-] become underscores and surrounding
// underscores are trimmed, falling back to org_<id>.
func SafeOrganizationName(org *model.Organization) string {
	cleaned := strings.Trim(unsafeSegment.ReplaceAllString(org.Name, "_"), "_")
	if cleaned == "" {
		return fmt.Sprintf("org_%d", org.ID)
	}
	return cleaned
}

// ExtensionFromURL returns the lowercased extension of the URL path, or wav.
func ExtensionFromURL(recordingURL string) string {
	u, err := url.Parse(recordingURL)
	if err != nil {
		return DefaultExtension
	}
	ext := strings.TrimPrefix(path.Ext(u.Path), ".")
	if ext == "" {
		return DefaultExtension
	}
	return strings.ToLower(ext)
}

// OrganizationDir is the key prefix holding an organization's recordings.
func (a *Archiver) OrganizationDir(org *model.Organization) string {
	return a.prefix + "/" + SafeOrganizationName(org)
}

// RelativePath is the storage key for a call recording. Distinct call ids
// always map to distinct keys.
func (a *Archiver) RelativePath(org *model.Organization, callID, recordingURL string) string {
	return a.OrganizationDir(org) + "/" + EscapeCallID(callID) + "." + ExtensionFromURL(recordingURL)
}

// EscapeCallID makes a call id safe as a file name. Letters, digits and '-'
// are kept; every other byte, '_' included, becomes '_' plus two hex digits.
func EscapeCallID(callID string) string {
	const hexDigits = "0123456789abcdef"
	var b strings.Builder
	b.Grow(len(callID))
	for i := 0; i < len(callID); i++ {
		c := callID[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			b.WriteByte(c)
		default:
			b.WriteByte('_')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	return b.String()
}

// Archive stores the recording of a call and returns its relative path. An
// existing object is reused without downloading. Any failure returns an
// empty path and an error; callers keep the record without audio.
func (a *Archiver) Archive(ctx context.Context, recordingURL, callID string, org *model.Organization) (string, error) {
	if recordingURL == "" {
		return "", ErrNoRecording
	}
	if org == nil {
		return "", errors.New("organization is required")
	}

	log := logger.FromContextOr(ctx, a.log).With(zap.String("call_id", callID))
	key := a.RelativePath(org, callID, recordingURL)

	exists, err := a.store.Exists(ctx, key)
	if err != nil {
		observer.IncAudioDownload("error", 0)
		return "", fmt.Errorf("check audio %s: %w", key, err)
	}
	if exists {
		observer.IncAudioDownload("exists", 0)
		log.Debug("Audio already archived", zap.String("path", key))
		return key, nil
	}

	data, err := a.download(ctx, recordingURL)
	if err != nil {
		observer.IncAudioDownload("download_failed", 0)
		log.Warn("Failed to download recording", zap.Error(err))
		return "", err
	}

	if err := a.store.Write(ctx, key, data); err != nil {
		observer.IncAudioDownload("write_failed", 0)
		log.Error("Failed to store recording", zap.String("path", key), zap.Error(err))
		return "", err
	}

	size, err := a.store.Size(ctx, key)
	if err != nil || size != int64(len(data)) {
		_ = a.store.Remove(ctx, key)
		observer.IncAudioDownload("verify_failed", 0)
		if err == nil {
			err = fmt.Errorf("stored size %d does not match downloaded size %d", size, len(data))
		}
		log.Error("Recording verification failed", zap.String("path", key), zap.Error(err))
		return "", err
	}

	observer.IncAudioDownload("downloaded", size)
	log.Info("Archived recording", zap.String("path", key), zap.String("size", utils.ByteCountSI(size)))
	return key, nil
}

func (a *Archiver) download(ctx context.Context, recordingURL string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, recordingURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build recording request: %w", err)
	}
	req.Header.Set("User-Agent", a.userAgent)

	res, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch recording: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch recording: HTTP %d", res.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(res.Body, maxAudioBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read recording: %w", err)
	}
	if int64(len(data)) > maxAudioBytes {
		return nil, fmt.Errorf("%w: more than %s", ErrAudioTooLarge, utils.ByteCountSI(maxAudioBytes))
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrAudioTooSmall)
	}
	if int64(len(data)) < a.minBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrAudioTooSmall, len(data))
	}
	return data, nil
}

// Remove deletes an archived recording by its relative path.
func (a *Archiver) Remove(ctx context.Context, relPath string) error {
	if relPath == "" {
		return nil
	}
	return a.store.Remove(ctx, relPath)
}

// RemoveOrganizationDir removes the organization's recording directory when
// it is empty.
func (a *Archiver) RemoveOrganizationDir(ctx context.Context, org *model.Organization) error {
	return a.store.RemoveDirIfEmpty(ctx, a.OrganizationDir(org))
}
