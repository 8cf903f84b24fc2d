package sse

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/leonj1/river/envelope"
	"github.com/leonj1/river/internal/jsoncodec"
	"github.com/leonj1/river/riverr"
)

// Client consumes a Handler's endpoint.
type Client struct {
	// Endpoint is the full URL of the stream endpoint.
	Endpoint string
	// HTTPClient defaults to http.DefaultClient. Streaming responses are
	// long-lived, so it must not carry an overall timeout.
	HTTPClient *http.Client
}

// NewClient builds a client for one endpoint.
func NewClient(endpoint string) *Client {
	return &Client{Endpoint: endpoint, HTTPClient: http.DefaultClient}
}

// Event is one parsed server-sent event.
type Event struct {
	Envelope envelope.Envelope
	// Token is the resumption token carried by the event's id field; empty
	// on events that mint none (stream_end, terminal errors, aborted).
	Token string
}

// Start begins a new run and returns its event stream. input marshals into
// the request's input field.
func (c *Client) Start(ctx context.Context, streamKey string, input any) (*Stream, error) {
	body, err := jsoncodec.Marshal(struct {
		StreamKey string `json:"stream_key"`
		Input     any    `json:"input,omitempty"`
	}{StreamKey: streamKey, Input: input})
	if err != nil {
		return nil, fmt.Errorf("sse: marshal input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	return c.open(req)
}

// Resume reopens the stream an encoded resumption token names.
func (c *Client) Resume(ctx context.Context, encodedToken string) (*Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.Endpoint+"?resumeKey="+url.QueryEscape(encodedToken), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	return c.open(req)
}

func (c *Client) open(req *http.Request) (*Stream, error) {
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	return &Stream{body: resp.Body, sc: sc}, nil
}

// decodeError turns a non-200 reply back into its taxonomy error.
func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var body errorResponse
	if err := jsoncodec.Unmarshal(raw, &body); err != nil || body.Error == "" {
		return riverr.Newf(riverr.CodeUnknown, "server replied %s", resp.Status)
	}
	code := body.Code
	if code == "" {
		code = riverr.CodeUnknown
	}
	return riverr.New(code, body.Error)
}

// Stream is one open event stream. Recv is not safe for concurrent use.
type Stream struct {
	body io.ReadCloser
	sc   *bufio.Scanner
	last string
}

// Recv parses the next event. It returns io.EOF when the server finished
// the stream. Cancelling the context passed to Start or Resume interrupts a
// blocked Recv.
func (s *Stream) Recv() (Event, error) {
	var id string
	var data []byte
	haveData := false
	for s.sc.Scan() {
		line := s.sc.Text()
		switch {
		case line == "":
			if !haveData {
				continue
			}
			env, err := envelope.Unmarshal(data)
			if err != nil {
				return Event{}, fmt.Errorf("sse: parse event: %w", err)
			}
			if id != "" {
				s.last = id
			}
			return Event{Envelope: env, Token: id}, nil
		case strings.HasPrefix(line, "id:"):
			id = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(line, "data:")
			chunk = strings.TrimPrefix(chunk, " ")
			if haveData {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
			haveData = true
		case strings.HasPrefix(line, ":"):
			// Comment line, per the SSE spec a keep-alive.
		}
	}
	if err := s.sc.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

// LastToken returns the most recent resumption token the stream carried,
// for resuming after Recv returned an error or the consumer stopped early.
func (s *Stream) LastToken() string { return s.last }

// Close releases the underlying connection. A producer attached to the run
// is unaffected.
func (s *Stream) Close() error { return s.body.Close() }
