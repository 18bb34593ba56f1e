package audtext

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultAPIPrefix       = "/api"
	defaultLivePath        = "/ws/progress/"
	defaultResultCacheSize = 64
	// maxBodyBytes bounds every JSON response read into memory.
	maxBodyBytes = 32 << 20
)

// ClientConfig defines how a Client reaches the transcription service.
type ClientConfig struct {
	// BaseURL is the service origin, e.g. "http://localhost:8000".
	BaseURL string
	// APIPrefix is prepended to every REST path. Defaults to "/api".
	APIPrefix string
	// LivePath is the websocket progress path, the task id is appended. Defaults to "/ws/progress/".
	LivePath string
	// HTTPClient is used for every call. Defaults to a client without a global timeout,
	// since uploads can take minutes; deadlines come from the caller's context.
	HTTPClient *http.Client
	// Logger receives debug lines for failed calls.
	Logger Logger
	// Encoder decodes responses. Defaults to JSONEncoder.
	Encoder Encoder
	// ResultCacheSize is the number of completed results kept in memory. Defaults to 64.
	ResultCacheSize int
}

// Client issues one-shot calls against the transcription service. It never retries;
// retry policy belongs to the Tracker.
type Client struct {
	base       *url.URL
	apiPrefix  string
	livePath   string
	httpClient *http.Client
	encoder    Encoder
	log        Logger
	results    *lru.Cache[string, *Result]
}

// NewClient creates a new transcription service client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", cfg.BaseURL)
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = defaultAPIPrefix
	}
	if cfg.LivePath == "" {
		cfg.LivePath = defaultLivePath
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Encoder == nil {
		cfg.Encoder = &JSONEncoder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = NoopLogger
	}
	if cfg.ResultCacheSize <= 0 {
		cfg.ResultCacheSize = defaultResultCacheSize
	}
	cache, err := lru.New[string, *Result](cfg.ResultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("could not create result cache: %w", err)
	}
	return &Client{
		base:       base,
		apiPrefix:  "/" + strings.Trim(cfg.APIPrefix, "/"),
		livePath:   "/" + strings.Trim(cfg.LivePath, "/") + "/",
		httpClient: cfg.HTTPClient,
		encoder:    cfg.Encoder,
		log:        cfg.Logger,
		results:    cache,
	}, nil
}

// Submit uploads an audio file and returns the task id assigned by the service.
// A refused upload yields a TransportError with CauseRejected and the service's
// detail in Reason; an unreachable service yields CauseNetwork.
func (c *Client) Submit(ctx context.Context, up Upload) (string, error) {
	const op = "upload"
	if up.Body == nil {
		return "", &TransportError{Op: op, Cause: CauseRejected, Reason: "No file provided"}
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", up.Filename)
		if err == nil {
			_, err = io.Copy(part, up.Body)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("upload"), pr)
	if err != nil {
		_ = pr.Close()
		return "", &TransportError{Op: op, Cause: CauseNetwork, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	body, status, reqID, err := c.do(req, op)
	// Unblock the writer goroutine if the request ended before consuming the body.
	_ = pr.Close()
	if err != nil {
		return "", err
	}
	if !success(status) {
		return "", &TransportError{Op: op, Cause: CauseRejected, StatusCode: status, RequestID: reqID, Reason: decodeDetail(c.encoder, body)}
	}

	var w wireUpload
	if err := c.encoder.Decode(body, &w); err != nil {
		return "", &TransportError{Op: op, Cause: CauseNetwork, StatusCode: status, RequestID: reqID, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	if w.TaskID == "" {
		return "", &TransportError{Op: op, Cause: CauseNetwork, StatusCode: status, RequestID: reqID, Err: fmt.Errorf("%w: missing task_id", ErrMalformedResponse)}
	}
	c.log.Debugf("upload accepted: task=%s filename=%s request=%s", w.TaskID, up.Filename, reqID)
	return w.TaskID, nil
}

// PollStatus reads the current status of a task. Any non-success response is
// reported as CauseNetwork without a reason.
func (c *Client) PollStatus(ctx context.Context, taskID string) (StatusUpdate, error) {
	const op = "status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL("status", taskID), nil)
	if err != nil {
		return StatusUpdate{}, &TransportError{Op: op, Cause: CauseNetwork, Err: err}
	}
	body, status, reqID, err := c.do(req, op)
	if err != nil {
		return StatusUpdate{}, err
	}
	if !success(status) {
		return StatusUpdate{}, &TransportError{Op: op, Cause: CauseNetwork, StatusCode: status, RequestID: reqID}
	}
	st, err := decodeStatus(c.encoder, body)
	if err != nil {
		return StatusUpdate{}, &TransportError{Op: op, Cause: CauseNetwork, StatusCode: status, RequestID: reqID, Err: err}
	}
	return st, nil
}

// FetchResult reads the final transcription of a completed task. Results are
// immutable once completed, so successful reads are cached.
func (c *Client) FetchResult(ctx context.Context, taskID string) (*Result, error) {
	const op = "result"
	if res, ok := c.results.Get(taskID); ok {
		return res, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL("result", taskID), nil)
	if err != nil {
		return nil, &TransportError{Op: op, Cause: CauseNetwork, Err: err}
	}
	body, status, reqID, err := c.do(req, op)
	if err != nil {
		return nil, err
	}
	if !success(status) {
		cause := CauseNetwork
		if status == http.StatusNotFound {
			cause = CauseNotFound
		}
		return nil, &TransportError{Op: op, Cause: cause, StatusCode: status, RequestID: reqID, Reason: decodeDetail(c.encoder, body)}
	}
	res, err := decodeResult(c.encoder, body)
	if err != nil {
		return nil, &TransportError{Op: op, Cause: CauseNetwork, StatusCode: status, RequestID: reqID, Err: err}
	}
	if res.Status == StatusCompleted {
		c.results.Add(taskID, res)
	}
	return res, nil
}

// Summarize asks the service to summarize a completed transcript.
func (c *Client) Summarize(ctx context.Context, taskID string, style SummaryStyle) (*Summary, error) {
	const op = "summarize"
	if style == "" {
		style = SummaryConcise
	}
	payload, err := c.encoder.Encode(wireSummarize{TaskID: taskID, Style: style})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL("summarize"), bytes.NewReader(payload))
	if err != nil {
		return nil, &TransportError{Op: op, Cause: CauseNetwork, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	body, status, reqID, err := c.do(req, op)
	if err != nil {
		return nil, err
	}
	if !success(status) {
		cause := CauseRejected
		if status == http.StatusNotFound {
			cause = CauseNotFound
		}
		return nil, &TransportError{Op: op, Cause: cause, StatusCode: status, RequestID: reqID, Reason: decodeDetail(c.encoder, body)}
	}
	var s Summary
	if err := c.encoder.Decode(body, &s); err != nil {
		return nil, &TransportError{Op: op, Cause: CauseNetwork, StatusCode: status, RequestID: reqID, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	return &s, nil
}

// OllamaHealth reports whether the service's summarization model is available.
func (c *Client) OllamaHealth(ctx context.Context) (*Health, error) {
	const op = "health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL("ollama", "health"), nil)
	if err != nil {
		return nil, &TransportError{Op: op, Cause: CauseNetwork, Err: err}
	}
	body, status, reqID, err := c.do(req, op)
	if err != nil {
		return nil, err
	}
	if !success(status) {
		return nil, &TransportError{Op: op, Cause: CauseNetwork, StatusCode: status, RequestID: reqID, Reason: decodeDetail(c.encoder, body)}
	}
	var h Health
	if err := c.encoder.Decode(body, &h); err != nil {
		return nil, &TransportError{Op: op, Cause: CauseNetwork, StatusCode: status, RequestID: reqID, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, err)}
	}
	return &h, nil
}

// ExportURL returns the download URL of a transcript in the given format.
func (c *Client) ExportURL(format ExportFormat, taskID string) string {
	return c.apiURL("export", string(format), taskID)
}

// Export downloads a transcript in the given format into w and returns the bytes written.
func (c *Client) Export(ctx context.Context, format ExportFormat, taskID string, w io.Writer) (int64, error) {
	const op = "export"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ExportURL(format, taskID), nil)
	if err != nil {
		return 0, &TransportError{Op: op, Cause: CauseNetwork, Err: err}
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debugf("%s request failed: request=%s err=%v", op, reqID, err)
		return 0, &TransportError{Op: op, Cause: CauseNetwork, RequestID: reqID, Err: err}
	}
	defer resp.Body.Close()
	if !success(resp.StatusCode) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		cause := CauseNetwork
		if resp.StatusCode == http.StatusNotFound {
			cause = CauseNotFound
		}
		return 0, &TransportError{Op: op, Cause: cause, StatusCode: resp.StatusCode, RequestID: reqID, Reason: decodeDetail(c.encoder, body)}
	}
	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, &TransportError{Op: op, Cause: CauseNetwork, StatusCode: resp.StatusCode, RequestID: reqID, Err: err}
	}
	return n, nil
}

// LiveURL returns the websocket address of the progress channel for a task.
func (c *Client) LiveURL(taskID string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.livePath + url.PathEscape(taskID)
	return u.String()
}

func (c *Client) apiURL(segments ...string) string {
	u := *c.base
	path := strings.TrimRight(u.Path, "/") + c.apiPrefix
	for _, s := range segments {
		path += "/" + url.PathEscape(s)
	}
	u.Path = path
	return u.String()
}

// do executes req and returns the (bounded) body and status code. Only
// failures to get a response at all are returned as errors.
func (c *Client) do(req *http.Request, op string) ([]byte, int, string, error) {
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Debugf("%s request failed: request=%s dur=%s err=%v", op, reqID, time.Since(start), err)
		return nil, 0, reqID, &TransportError{Op: op, Cause: CauseNetwork, RequestID: reqID, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		c.log.Debugf("%s body read failed: request=%s err=%v", op, reqID, err)
		return nil, resp.StatusCode, reqID, &TransportError{Op: op, Cause: CauseNetwork, StatusCode: resp.StatusCode, RequestID: reqID, Err: err}
	}
	if !success(resp.StatusCode) {
		c.log.Debugf("%s non-success response: request=%s status=%d dur=%s", op, reqID, resp.StatusCode, time.Since(start))
	}
	return body, resp.StatusCode, reqID, nil
}

func success(code int) bool { return code >= 200 && code < 300 }
