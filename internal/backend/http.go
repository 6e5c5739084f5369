package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
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

	"github.com/ChuLiYu/grobid-batch/internal/metrics"
	"github.com/ChuLiYu/grobid-batch/pkg/types"
	"github.com/google/uuid"
)

// HTTPClient calls the GROBID REST API.
type HTTPClient struct {
	server  string
	http    *http.Client
	logger  *slog.Logger
	metrics *metrics.Collector
}

type Option func(*HTTPClient)

// WithHTTPClient replaces the underlying http.Client. Deadlines come from the
// per-call context, so the client itself should not set Timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(h *HTTPClient) {
		if c != nil {
			h.http = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(h *HTTPClient) {
		if l != nil {
			h.logger = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(h *HTTPClient) {
		h.metrics = m
	}
}

// NewHTTPClient returns a client for the server base URL, e.g. http://localhost:8070.
func NewHTTPClient(server string, opts ...Option) *HTTPClient {
	h := &HTTPClient{
		server: strings.TrimRight(server, "/"),
		http:   &http.Client{},
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// URL returns the endpoint for a service path.
func (h *HTTPClient) URL(service string) string {
	return h.server + "/api/" + service
}

// Ping checks /api/isalive. A transport failure is returned as an error.
func (h *HTTPClient) Ping(ctx context.Context) (bool, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL("isalive"), nil)
	if err != nil {
		return false, 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := h.http.Do(req)
	if err != nil {
		return false, 0, fmt.Errorf("grobid server unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK, resp.StatusCode, nil
}

// Call sends one job to the service and classifies the response.
func (h *HTTPClient) Call(ctx context.Context, job types.Job) types.Outcome {
	reqID := uuid.New().String()
	start := time.Now()

	req, err := h.newRequest(ctx, job)
	if err != nil {
		h.logger.Error("grobid.http.build_request_error", "req_id", reqID, "input", job.InputPath, "error", err)
		return transportOutcome(job, types.CodeTransportFailure, err)
	}
	req.Header.Set("X-Request-ID", reqID)

	h.logger.Debug("grobid.http.request", "req_id", reqID, "service", job.Service, "input", job.InputPath)

	done := h.metrics.CallStarted()
	resp, err := h.http.Do(req)
	if err != nil {
		code := classifyTransport(ctx, err)
		done(code)
		h.logger.Warn("grobid.http.send_error",
			"req_id", reqID,
			"input", job.InputPath,
			"error", err,
			"elapsed_ms", time.Since(start).Milliseconds())
		return transportOutcome(job, code, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		code := classifyTransport(ctx, err)
		done(code)
		return transportOutcome(job, code, fmt.Errorf("read response: %w", err))
	}
	done(resp.StatusCode)

	h.logger.Debug("grobid.http.response",
		"req_id", reqID,
		"input", job.InputPath,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds())

	return Classify(job.InputPath, resp.StatusCode, string(raw))
}

// Classify maps a protocol response onto an Outcome.
func Classify(inputPath string, statusCode int, body string) types.Outcome {
	out := types.Outcome{InputPath: inputPath, StatusCode: statusCode, Body: body}
	switch {
	case statusCode == http.StatusServiceUnavailable:
		out.Status = types.StatusBusy
	case statusCode == http.StatusOK && body != "":
		out.Status = types.StatusSuccess
	case statusCode == http.StatusOK:
		out.Status = types.StatusPermanentError
		out.Err = "empty response body"
	default:
		out.Status = types.StatusPermanentError
	}
	return out
}

func transportOutcome(job types.Job, code int, err error) types.Outcome {
	return types.Outcome{
		InputPath:  job.InputPath,
		Status:     types.StatusTransportError,
		StatusCode: code,
		Err:        err.Error(),
	}
}

func classifyTransport(ctx context.Context, err error) int {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return types.CodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return types.CodeTimeout
	}
	return types.CodeTransportFailure
}

func (h *HTTPClient) newRequest(ctx context.Context, job types.Job) (*http.Request, error) {
	if job.Service == types.ServiceCitationList {
		return h.citationListRequest(ctx, job)
	}
	return h.documentRequest(ctx, job)
}

// citationListRequest posts one "citations" field per line of the input text file.
func (h *HTTPClient) citationListRequest(ctx context.Context, job types.Job) (*http.Request, error) {
	f, err := os.Open(job.InputPath)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}
	defer f.Close()

	form := url.Values{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		form.Add("citations", strings.TrimRight(scanner.Text(), " \t\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if job.Options.ConsolidateCitations {
		form.Set("consolidateCitations", "1")
	}
	if job.Options.IncludeRawCitations {
		form.Set("includeRawCitations", "1")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL(string(job.Service)), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/xml")
	return req, nil
}

// documentRequest streams the input file as the multipart "input" part.
func (h *HTTPClient) documentRequest(ctx context.Context, job types.Job) (*http.Request, error) {
	f, err := os.Open(job.InputPath)
	if err != nil {
		return nil, fmt.Errorf("open input: %w", err)
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		defer f.Close()
		pw.CloseWithError(writeDocumentForm(mw, f, job))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL(string(job.Service)), pr)
	if err != nil {
		pr.CloseWithError(err)
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "text/plain")
	return req, nil
}

func writeDocumentForm(mw *multipart.Writer, f io.Reader, job types.Job) error {
	contentType := "application/pdf"
	if strings.EqualFold(filepath.Ext(job.InputPath), ".xml") {
		contentType = "application/xml"
	}

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="input"; filename="%s"`, escapeQuotes(filepath.Base(job.InputPath))))
	hdr.Set("Content-Type", contentType)
	hdr.Set("Expires", "0")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}

	for key, values := range FormFields(job.Options) {
		for _, v := range values {
			if err := mw.WriteField(key, v); err != nil {
				return err
			}
		}
	}
	return mw.Close()
}

// FormFields renders document options as GROBID form parameters.
func FormFields(o types.Options) url.Values {
	v := url.Values{}
	flag := func(on bool, key string) {
		if on {
			v.Set(key, "1")
		}
	}
	flag(o.GenerateIDs, "generateIDs")
	flag(o.ConsolidateHeader, "consolidateHeader")
	flag(o.ConsolidateCitations, "consolidateCitations")
	flag(o.IncludeRawCitations, "includeRawCitations")
	flag(o.IncludeRawAffiliations, "includeRawAffiliations")
	flag(o.SegmentSentences, "segmentSentences")
	if o.TEICoordinates {
		for _, c := range o.Coordinates {
			v.Add("teiCoordinates", c)
		}
	}
	if o.Flavor != "" {
		v.Set("flavor", o.Flavor)
	}
	if o.Start > 0 {
		v.Set("start", strconv.Itoa(o.Start))
	}
	if o.End > 0 {
		v.Set("end", strconv.Itoa(o.End))
	}
	return v
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func escapeQuotes(s string) string {
	return quoteEscaper.Replace(s)
}
