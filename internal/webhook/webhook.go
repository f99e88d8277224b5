// Package webhook delivers screenshots to a Discord-compatible chat webhook.
//
// Uploads are multipart POSTs with a payload_json part and a file part. The
// client honours 429 rate limits without spending an attempt, retries other
// failures with exponential backoff and gives up immediately on transport
// errors other than timeouts.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	// DefaultMaxAttempts bounds retries of non-2xx responses and timeouts.
	DefaultMaxAttempts = 3
	// DefaultTimeout applies to each upload request.
	DefaultTimeout = 60 * time.Second
	// defaultBaseBackoff is doubled per failed attempt.
	defaultBaseBackoff = 5 * time.Second
	// defaultTimeoutBackoff is the fixed wait after a timed out request.
	defaultTimeoutBackoff = 5 * time.Second
	// defaultRetryAfter is used when a 429 carries no usable delay.
	defaultRetryAfter = 60 * time.Second
	// maxResponseBody caps how much of a response is read.
	maxResponseBody = 1 << 20
)

var (
	// ErrTransientNetwork is returned when requests kept timing out.
	ErrTransientNetwork = errors.New("webhook: transient network error")
	// ErrPermanentRemote is returned for non-2xx responses once retries are
	// exhausted and for rejected requests that are never retried.
	ErrPermanentRemote = errors.New("webhook: remote rejected request")
	// ErrGroupingUnsupported is returned by CreateThread when the webhook
	// channel cannot hold threads (only forum channels can).
	ErrGroupingUnsupported = errors.New("webhook: channel does not support threads")
)

// StatusError is a non-2xx response. It unwraps to ErrPermanentRemote.
type StatusError struct {
	StatusCode int
	Code       int // Discord JSON error code, 0 if absent
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d - %s", e.StatusCode, e.Message)
}

func (e *StatusError) Unwrap() error { return ErrPermanentRemote }

// Upload describes one file to deliver.
type Upload struct {
	Path           string    // file to attach
	Name           string    // attachment name, defaults to the base of Path
	OriginalSize   int64     // size before compression
	CompressedSize int64     // size after compression, 0 if not compressed
	ThreadID       string    // optional thread to post into
	CapturedAt     time.Time // zero means the file's modification time
	World          string    // optional world name
}

// Result is a successful delivery.
type Result struct {
	MessageID   string // empty when the response carried no parseable id
	Attempts    int
	RateLimited int // number of 429 waits
}

// Opts configures a Client.
type Opts struct {
	URL         string
	Username    string // overrides the webhook's display name when set
	Version     string // shown in the embed footer
	MaxAttempts int
	Timeout     time.Duration // per upload request
	HTTPClient  *http.Client
}

// Client talks to one webhook URL. It is safe for concurrent use.
type Client struct {
	url            string
	username       string
	version        string
	maxAttempts    int
	http           *http.Client
	baseBackoff    time.Duration
	timeoutBackoff time.Duration
	sleep          func(ctx context.Context, d time.Duration) error
	now            func() time.Time
}

// New creates a Client.
func New(opts Opts) (*Client, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("webhook: url is required")
	}
	u, err := url.Parse(opts.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("webhook: invalid url")
	}

	c := &Client{
		url:            opts.URL,
		username:       opts.Username,
		version:        opts.Version,
		maxAttempts:    opts.MaxAttempts,
		http:           opts.HTTPClient,
		baseBackoff:    defaultBaseBackoff,
		timeoutBackoff: defaultTimeoutBackoff,
		sleep:          sleepCtx,
		now:            time.Now,
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = DefaultMaxAttempts
	}
	if c.http == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.http = &http.Client{Timeout: timeout}
	}
	return c, nil
}

// Send uploads u. On success the returned Result carries the remote message
// id when the endpoint reported one.
func (c *Client) Send(ctx context.Context, u Upload) (*Result, error) {
	name := u.Name
	if name == "" {
		name = filepath.Base(u.Path)
	}
	data, err := os.ReadFile(u.Path)
	if err != nil {
		return nil, fmt.Errorf("webhook: send %s: %w", name, err)
	}
	if u.CapturedAt.IsZero() {
		if info, err := os.Stat(u.Path); err == nil {
			u.CapturedAt = info.ModTime()
		}
	}

	params := &discordgo.WebhookParams{
		Username: c.username,
		Embeds:   []*discordgo.MessageEmbed{c.buildEmbed(name, int64(len(data)), u)},
	}
	body, contentType, err := encodeMultipart(params, name, data)
	if err != nil {
		return nil, fmt.Errorf("webhook: send %s: %w", name, err)
	}
	target, err := c.endpoint(u.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("webhook: send %s: %w", name, err)
	}

	res := &Result{}
	attempt := 0
	for {
		res.Attempts++
		status, header, respBody, err := c.do(ctx, http.MethodPost, target, contentType, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("webhook: send %s: %w", name, ctx.Err())
			}
			if !isTimeout(err) {
				return nil, fmt.Errorf("webhook: send %s: %w", name, err)
			}
			log.Printf("webhook: send %s timed out (attempt %d/%d)", name, attempt+1, c.maxAttempts)
			if attempt+1 >= c.maxAttempts {
				return nil, fmt.Errorf("webhook: send %s: timed out: %w", name, ErrTransientNetwork)
			}
			attempt++
			if err := c.sleep(ctx, c.timeoutBackoff); err != nil {
				return nil, fmt.Errorf("webhook: send %s: %w", name, err)
			}
			continue
		}

		switch {
		case status >= 200 && status < 300:
			res.MessageID = parseMessageID(respBody)
			log.Printf("webhook: sent %s (message %s)", name, res.MessageID)
			return res, nil

		case status == http.StatusTooManyRequests:
			wait := retryAfter(respBody, header)
			res.RateLimited++
			log.Printf("webhook: rate limited sending %s, retrying in %v", name, wait)
			if err := c.sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("webhook: send %s: %w", name, err)
			}

		default:
			se := newStatusError(status, respBody)
			log.Printf("webhook: send %s failed: %v (attempt %d/%d)", name, se, attempt+1, c.maxAttempts)
			if attempt+1 >= c.maxAttempts {
				return nil, fmt.Errorf("webhook: send %s: %w", name, se)
			}
			wait := c.baseBackoff << attempt
			attempt++
			if err := c.sleep(ctx, wait); err != nil {
				return nil, fmt.Errorf("webhook: send %s: %w", name, err)
			}
		}
	}
}

// endpoint returns the webhook URL with wait=true and the optional thread.
func (c *Client) endpoint(threadID string) (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("wait", "true")
	if threadID != "" {
		q.Set("thread_id", threadID)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// do performs one request and reads a bounded amount of the response.
func (c *Client) do(ctx context.Context, method, target, contentType string, body []byte) (int, http.Header, []byte, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rdr)
	if err != nil {
		return 0, nil, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, resp.Header, data, nil
}

func encodeMultipart(params *discordgo.WebhookParams, name string, data []byte) ([]byte, string, error) {
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, "", fmt.Errorf("encode payload: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("payload_json", string(payload)); err != nil {
		return nil, "", err
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, quoteEscaper.Replace(name)))
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(name)))
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func parseMessageID(body []byte) string {
	var msg discordgo.Message
	if len(body) == 0 || json.Unmarshal(body, &msg) != nil {
		return ""
	}
	return msg.ID
}

// retryAfter reads the advertised delay from a 429 body, then the
// Retry-After header, then falls back to a minute.
func retryAfter(body []byte, header http.Header) time.Duration {
	var tmr discordgo.TooManyRequests
	if json.Unmarshal(body, &tmr) == nil && tmr.RetryAfter > 0 {
		return tmr.RetryAfter
	}
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return defaultRetryAfter
}

func newStatusError(status int, body []byte) *StatusError {
	se := &StatusError{StatusCode: status}
	var apiErr discordgo.APIErrorMessage
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
		se.Code = apiErr.Code
		se.Message = apiErr.Message
		return se
	}
	se.Message = strings.TrimSpace(string(body))
	if se.Message == "" {
		se.Message = http.StatusText(status)
	}
	return se
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
