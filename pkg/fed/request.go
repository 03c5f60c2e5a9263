package fed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/valyala/bytebufferpool"

	"hearth/pkg/cjson"
)

// MaxResponseSize caps federation response bodies.
const MaxResponseSize = 8 * 1024 * 1024

// Signer signs outbound requests; implemented by keys.Ring.
type Signer interface {
	Origin() string
	KeyID() string
	Sign(msg []byte) []byte
}

// Response owns its body buffer; callers Release it when finished
// consuming the bytes.
type Response struct {
	StatusCode int
	Body       []byte
	buf        *bytebufferpool.ByteBuffer
}

// Release returns the body buffer to the pool. The Body slice is invalid
// afterwards.
func (r *Response) Release() {
	if r.buf != nil {
		bytebufferpool.Put(r.buf)
		r.buf = nil
		r.Body = nil
	}
}

// MatrixError is a standard error payload from a peer.
type MatrixError struct {
	Code    string `json:"errcode"`
	Message string `json:"error"`
	Status  int    `json:"-"`
}

func (e *MatrixError) Error() string {
	return fmt.Sprintf("%s: %s (http %d)", e.Code, e.Message, e.Status)
}

// authHeader builds the X-Matrix Authorization value. The signed object
// covers method, uri, origin, destination and the parsed body.
func authHeader(s Signer, method, uri, destination string, body []byte) (string, error) {
	obj := map[string]any{
		"method":      method,
		"uri":         uri,
		"origin":      s.Origin(),
		"destination": destination,
	}
	if len(body) > 0 {
		obj["content"] = json.RawMessage(body)
	}
	canon, err := cjson.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}
	sig := base64.RawStdEncoding.EncodeToString(s.Sign(canon))
	return fmt.Sprintf(`X-Matrix origin="%s",destination="%s",key="%s",sig="%s"`,
		s.Origin(), destination, s.KeyID(), sig), nil
}

// do issues one signed request to destination and returns the pooled
// response body.
func (c *Client) do(ctx context.Context, method, destination, path string, body []byte) (*Response, error) {
	target, err := c.resolver.Resolve(ctx, destination)
	if err != nil {
		return nil, err
	}
	url := "https://" + target + path

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	req.Host = destination
	if len(body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	hdr, err := authHeader(c.signer, method, path, destination, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", hdr)

	resp, err := c.http.Do(req)
	if err != nil {
		requestErrTotal.WithLabelValues(destination).Inc()
		return nil, fmt.Errorf("federation %s %s: %w", method, destination, err)
	}
	defer resp.Body.Close()

	buf := bytebufferpool.Get()
	if _, err := buf.ReadFrom(io.LimitReader(resp.Body, MaxResponseSize+1)); err != nil {
		bytebufferpool.Put(buf)
		return nil, fmt.Errorf("read response from %s: %w", destination, err)
	}
	if buf.Len() > MaxResponseSize {
		bytebufferpool.Put(buf)
		return nil, fmt.Errorf("response from %s exceeds %d bytes", destination, MaxResponseSize)
	}
	requestTotal.WithLabelValues(destination, fmt.Sprint(resp.StatusCode)).Inc()

	out := &Response{StatusCode: resp.StatusCode, Body: buf.B, buf: buf}
	if resp.StatusCode >= 400 {
		var me MatrixError
		if json.Unmarshal(out.Body, &me) == nil && me.Code != "" {
			me.Status = resp.StatusCode
			out.Release()
			return nil, &me
		}
		out.Release()
		return nil, fmt.Errorf("federation %s %s: http %d", method, destination, resp.StatusCode)
	}
	return out, nil
}

// get unmarshals a GET response into v and releases the buffer.
func (c *Client) get(ctx context.Context, destination, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, destination, path, nil)
	if err != nil {
		return err
	}
	defer resp.Release()
	return json.Unmarshal(resp.Body, v)
}

// putJSON sends a canonical-JSON body and unmarshals the response.
func (c *Client) putJSON(ctx context.Context, destination, path string, body, v any) error {
	raw, err := cjson.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPut, destination, path, raw)
	if err != nil {
		return err
	}
	defer resp.Release()
	if v == nil {
		return nil
	}
	return json.Unmarshal(resp.Body, v)
}
