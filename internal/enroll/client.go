package enroll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// StatusError is returned when the LMS answers with an unexpected status.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("lms %s %s: unexpected status %d", e.Method, e.Path, e.Code)
}

// retryable reports whether a request may succeed when repeated.
func (e *StatusError) retryable() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// HTTPAdapter is the Adapter backed by the LMS REST API:
//
//	GET    {base}/courses
//	PUT    {base}/courses/{course}/enrollments/{user}
//	DELETE {base}/courses/{course}/enrollments/{user}
//
// Enrolling twice (409) and removing a missing enrollment (404) succeed.
type HTTPAdapter struct {
	baseURL    string
	token      string
	client     *http.Client
	maxRetries int
	backoff    time.Duration
}

// NewHTTPAdapter creates an adapter for the LMS at baseURL.
func NewHTTPAdapter(baseURL, token string, timeout time.Duration, maxRetries int) *HTTPAdapter {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &HTTPAdapter{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		client:     &http.Client{Timeout: timeout},
		maxRetries: maxRetries,
		backoff:    200 * time.Millisecond,
	}
}

type courseList struct {
	Courses []struct {
		ID json.Number `json:"id"`
	} `json:"courses"`
}

// ListCourseIDs returns the id of every course the LMS exposes.
func (a *HTTPAdapter) ListCourseIDs(ctx context.Context) ([]string, error) {
	var body courseList
	err := a.do(ctx, http.MethodGet, "/courses", func(resp *http.Response) error {
		dec := json.NewDecoder(io.LimitReader(resp.Body, 1<<20))
		dec.UseNumber()
		return dec.Decode(&body)
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(body.Courses))
	for _, c := range body.Courses {
		ids = append(ids, c.ID.String())
	}
	return ids, nil
}

// Enroll grants userID access to courseID.
func (a *HTTPAdapter) Enroll(ctx context.Context, userID, courseID string) error {
	err := a.do(ctx, http.MethodPut, enrollmentPath(courseID, userID), nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusConflict {
		return nil
	}
	return err
}

// Unenroll removes userID from courseID.
func (a *HTTPAdapter) Unenroll(ctx context.Context, userID, courseID string) error {
	err := a.do(ctx, http.MethodDelete, enrollmentPath(courseID, userID), nil)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	return err
}

func enrollmentPath(courseID, userID string) string {
	return "/courses/" + url.PathEscape(courseID) + "/enrollments/" + url.PathEscape(userID)
}

// do performs the request, retrying transport failures and 429/5xx
// responses with linear backoff. decode, when set, reads a 2xx body.
func (a *HTTPAdapter) do(ctx context.Context, method, path string, decode func(*http.Response) error) error {
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * a.backoff):
			}
		}

		err := a.once(ctx, method, path, decode)
		if err == nil {
			return nil
		}
		lastErr = err

		var se *StatusError
		if errors.As(err, &se) && !se.retryable() {
			return err
		}
		if kind := classifyError(err); kind == "canceled" {
			return err
		}
	}
	return lastErr
}

func (a *HTTPAdapter) once(ctx context.Context, method, path string, decode func(*http.Response) error) error {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("building lms request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("lms %s %s (%s): %w", method, path, classifyError(err), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode}
	}
	if decode != nil {
		if err := decode(resp); err != nil {
			return fmt.Errorf("decoding lms response: %w", err)
		}
	}
	return nil
}

// classifyError categorizes an HTTP client error.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	return "other"
}
