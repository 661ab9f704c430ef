// Package client implements the ReportPortal v1 REST API calls used by the
// bridge.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/raphi011/rpbridge/internal/model"
)

type StartLaunchRQ = model.StartLaunchRQ
type FinishLaunchRQ = model.FinishLaunchRQ
type StartItemRQ = model.StartItemRQ
type FinishItemRQ = model.FinishItemRQ
type SaveLogRQ = model.SaveLogRQ

// maxErrorBody limits how much of an error response is kept in RequestError.
const maxErrorBody = 4096

type Client struct {
	http    *http.Client
	host    string
	project string
	apiKey  string
}

// RequestError is returned when the service answered with a non 2xx status.
type RequestError struct {
	ResponseCode int
	Message      string
}

func (e RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.ResponseCode)
	}

	return fmt.Sprintf("request failed with status %d: %s", e.ResponseCode, e.Message)
}

// Maintenance reports whether the response is the maintenance page of the
// service.
func (e RequestError) Maintenance() bool {
	return e.ResponseCode == http.StatusServiceUnavailable || strings.Contains(e.Message, "Maintenance")
}

// Temporary reports whether retrying the request could succeed.
func (e RequestError) Temporary() bool {
	return e.ResponseCode >= 500 && !e.Maintenance()
}

func (e RequestError) Kind() string {
	if e.Maintenance() {
		return "maintenance"
	}

	return "response"
}

// TransportError wraps failures that happened before a response was read.
type TransportError struct {
	Err error
}

func (e TransportError) Error() string {
	return "transport: " + e.Err.Error()
}

func (e TransportError) Unwrap() error {
	return e.Err
}

func (e TransportError) Kind() string {
	return "transport"
}

func (e TransportError) Temporary() bool {
	return true
}

// NewHTTPClient returns the http client used to talk to the service.
func NewHTTPClient(verifySSL bool) *http.Client {
	if verifySSL {
		return &http.Client{}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec

	return &http.Client{Transport: transport}
}

func New(endpoint, project, apiKey string, c *http.Client) Client {
	return Client{
		http:    c,
		host:    strings.TrimSuffix(endpoint, "/"),
		project: project,
		apiKey:  apiKey,
	}
}

// Probe checks that the endpoint is reachable and the project exists.
func (c Client) Probe(ctx context.Context) error {
	req, err := http.NewRequest("GET", c.url("/api/v1/project/%s", c.project), nil)
	if err != nil {
		return err
	}

	return c.do(ctx, req, nil)
}

func (c Client) StartLaunch(ctx context.Context, rq StartLaunchRQ) (string, error) {
	var rs model.EntryCreatedRS

	if err := c.send(ctx, "POST", c.url("/api/v1/%s/launch", c.project), rq, &rs); err != nil {
		return "", err
	}

	return rs.ID, nil
}

func (c Client) FinishLaunch(ctx context.Context, launchID string, rq FinishLaunchRQ) error {
	return c.send(ctx, "PUT", c.url("/api/v1/%s/launch/%s/finish", c.project, launchID), rq, nil)
}

// StartItem starts a root item when parentID is empty, a child item otherwise.
func (c Client) StartItem(ctx context.Context, parentID string, rq StartItemRQ) (string, error) {
	u := c.url("/api/v1/%s/item", c.project)
	if parentID != "" {
		u = c.url("/api/v1/%s/item/%s", c.project, parentID)
	}

	var rs model.EntryCreatedRS

	if err := c.send(ctx, "POST", u, rq, &rs); err != nil {
		return "", err
	}

	return rs.ID, nil
}

func (c Client) FinishItem(ctx context.Context, itemID string, rq FinishItemRQ) error {
	return c.send(ctx, "PUT", c.url("/api/v1/%s/item/%s", c.project, itemID), rq, nil)
}

// SaveLogs uploads a batch of log records as one multipart request. Record
// attachments are sent as file parts referenced by name.
func (c Client) SaveLogs(ctx context.Context, launchID string, records []model.LogRecord) error {
	if len(records) == 0 {
		return nil
	}

	var body bytes.Buffer

	w := multipart.NewWriter(&body)

	rqs := make([]SaveLogRQ, 0, len(records))
	files := map[string]*model.Attachment{}
	fileOrder := []string{}

	for i, r := range records {
		rq := SaveLogRQ{
			LaunchID: launchID,
			ItemID:   r.ItemID,
			Time:     model.NewTimestamp(r.Time),
			Message:  r.Message,
			Level:    r.Level,
		}

		if r.Attachment != nil {
			name := attachmentName(r.Attachment.Name, i, files)
			files[name] = r.Attachment
			fileOrder = append(fileOrder, name)
			rq.File = &model.FileRef{Name: name}
		}

		rqs = append(rqs, rq)
	}

	jsonPart, err := w.CreatePart(textproto.MIMEHeader{
		"Content-Disposition": {`form-data; name="json_request_part"`},
		"Content-Type":        {"application/json"},
	})
	if err != nil {
		return err
	}

	if err = json.NewEncoder(jsonPart).Encode(rqs); err != nil {
		return fmt.Errorf("encoding log batch: %w", err)
	}

	for _, name := range fileOrder {
		a := files[name]

		mimeType := a.MimeType
		if mimeType == "" {
			mimeType = model.DefaultAttachmentMimeType
		}

		filePart, err := w.CreatePart(textproto.MIMEHeader{
			"Content-Disposition": {fmt.Sprintf(`form-data; name="file"; filename=%q`, name)},
			"Content-Type":        {mimeType},
		})
		if err != nil {
			return err
		}

		if _, err = filePart.Write(a.Data); err != nil {
			return err
		}
	}

	if err = w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest("POST", c.url("/api/v1/%s/log", c.project), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	return c.do(ctx, req, &model.BatchSaveRS{})
}

func attachmentName(name string, i int, used map[string]*model.Attachment) string {
	if name == "" {
		name = "attachment"
	}

	if _, ok := used[name]; !ok {
		return name
	}

	return name + "-" + strconv.Itoa(i)
}

func (c Client) url(path string, args ...any) string {
	escaped := make([]any, len(args))
	for i, a := range args {
		escaped[i] = url.PathEscape(fmt.Sprint(a))
	}

	return c.host + fmt.Sprintf(path, escaped...)
}

func (c Client) send(ctx context.Context, method, url string, rq any, rs any) error {
	b, err := json.Marshal(rq)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequest(method, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(ctx, req, rs)
}

func (c Client) do(ctx context.Context, req *http.Request, body any) error {
	req = req.WithContext(ctx)
	req.Header.Add("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return TransportError{Err: err}
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return RequestError{ResponseCode: res.StatusCode, Message: errorMessage(res.Body)}
	}

	if body != nil {
		d := json.NewDecoder(res.Body)

		if err = d.Decode(body); err != nil && err != io.EOF {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}

// errorMessage extracts the message of an ErrorRS body, falling back to the
// raw (truncated) body, which is how the maintenance page is detected.
func errorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return ""
	}

	var rs model.ErrorRS
	if err := json.Unmarshal(raw, &rs); err == nil && rs.Message != "" {
		return rs.Message
	}

	return strings.TrimSpace(string(raw))
}
