package stream

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pulsewire/platform/pkg/common/config"
	"github.com/pulsewire/platform/pkg/common/logger"
	"github.com/pulsewire/platform/pkg/common/models"
	"golang.org/x/oauth2"
)

// EventKind classifies what arrived on the stream connection.
type EventKind int

const (
	EventData EventKind = iota
	EventKeepAlive
	EventError
	EventClosed
)

// Event is one occurrence on the live connection.
type Event struct {
	Kind    EventKind
	Payload models.StreamPayload
	Err     error
}

// Connection is an open stream delivering events until closed.
type Connection interface {
	Next() Event
	Close() error
}

// Dialer opens stream connections. Injected so the ingestor is testable
// with synthetic events.
type Dialer interface {
	Dial(ctx context.Context) (Connection, error)
}

// HTTPDialer holds a persistent chunked connection to the filtered-stream
// endpoint. Lines are newline-delimited JSON; a blank line is a keep-alive.
type HTTPDialer struct {
	endpoint string
	client   *http.Client
}

func NewHTTPDialer(cfg *config.Config) *HTTPDialer {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.StreamBearerToken})
	// No overall timeout: the connection is expected to stay open
	// indefinitely and is torn down via context cancellation.
	client := oauth2.NewClient(context.Background(), src)
	return &HTTPDialer{endpoint: cfg.StreamEndpoint, client: client}
}

func (d *HTTPDialer) Dial(ctx context.Context) (Connection, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("stream endpoint returned status %d", resp.StatusCode)
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	return &httpConnection{body: resp.Body, sc: sc}, nil
}

type httpConnection struct {
	body io.ReadCloser
	sc   *bufio.Scanner
}

func (c *httpConnection) Next() Event {
	for {
		if !c.sc.Scan() {
			if err := c.sc.Err(); err != nil {
				return Event{Kind: EventError, Err: err}
			}
			return Event{Kind: EventClosed}
		}

		line := bytes.TrimSpace(c.sc.Bytes())
		if len(line) == 0 {
			return Event{Kind: EventKeepAlive}
		}

		payload, err := ParsePayload(line)
		if err != nil {
			// A malformed line is not a connection failure; skip it.
			logger.Log.WithError(err).Warn("Skipping malformed stream line")
			continue
		}
		return Event{Kind: EventData, Payload: payload}
	}
}

func (c *httpConnection) Close() error {
	return c.body.Close()
}
