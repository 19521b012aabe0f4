package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"syncshell/internal/domain"
)

type codeBody struct {
	Code string `json:"code"`
}

type codesBody struct {
	Codes []string `json:"codes"`
}

// HTTPClient talks to a relay Server.
type HTTPClient struct {
	Base string
	HTTP *http.Client
}

func NewHTTPClient(base string, hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPClient{Base: strings.TrimRight(base, "/"), HTTP: hc}
}

func (c *HTTPClient) PublishInvite(ctx context.Context, group domain.GroupHash, code string) error {
	return c.do(ctx, http.MethodPost, invitePath(group), codeBody{Code: code}, nil)
}

// FetchInvite returns "" and no error when the group has no published invite.
func (c *HTTPClient) FetchInvite(ctx context.Context, group domain.GroupHash) (string, error) {
	var out codeBody
	err := c.do(ctx, http.MethodGet, invitePath(group), nil, &out)
	if isNotFound(err) {
		return "", nil
	}
	return out.Code, err
}

func (c *HTTPClient) PostAnswer(ctx context.Context, group domain.GroupHash, code string) error {
	return c.do(ctx, http.MethodPost, answerPath(group), codeBody{Code: code}, nil)
}

func (c *HTTPClient) FetchAnswers(ctx context.Context, group domain.GroupHash) ([]string, error) {
	var out codesBody
	if err := c.do(ctx, http.MethodGet, answerPath(group), nil, &out); err != nil {
		return nil, err
	}
	return out.Codes, nil
}

func invitePath(g domain.GroupHash) string { return "/invite/" + url.PathEscape(string(g)) }
func answerPath(g domain.GroupHash) string { return "/answer/" + url.PathEscape(string(g)) }

type statusError struct {
	method, path string
	code         int
	status       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("relay %s %s: %s", strings.ToLower(e.method), e.path, e.status)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body *bytes.Buffer
	if in != nil {
		body = new(bytes.Buffer)
		if err := json.NewEncoder(body).Encode(in); err != nil {
			return err
		}
	}
	var req *http.Request
	var err error
	if body != nil {
		req, err = http.NewRequestWithContext(ctx, method, c.Base+path, body)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, c.Base+path, nil)
	}
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return &statusError{method: method, path: path, code: resp.StatusCode, status: resp.Status}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

var _ domain.AnswerRelay = (*HTTPClient)(nil)
