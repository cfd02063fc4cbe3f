package stream

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const maxSSELine = 1 << 20

// SSEDialer opens http:// and https:// text/event-stream transports.
type SSEDialer struct {
	Client *http.Client
	Header http.Header
}

func (d *SSEDialer) Dial(endpoint string, sink Sink) (Transport, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	for k, vs := range d.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	client := d.Client
	if client == nil {
		// No client timeout: the response body is the stream.
		client = &http.Client{}
	}
	t := &sseTransport{cancel: cancel}
	go t.run(client, req, sink)
	return t, nil
}

type sseTransport struct {
	lifecycle
	cancel context.CancelFunc
}

func (t *sseTransport) run(client *http.Client, req *http.Request, sink Sink) {
	resp, err := client.Do(req)
	if err != nil {
		t.fail(sink, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.fail(sink, fmt.Errorf("stream: unexpected status %d", resp.StatusCode))
		return
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.fail(sink, fmt.Errorf("stream: unexpected content type %q", ct))
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.setState(StateOpen)
	t.mu.Unlock()
	sink.OnOpen()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var data []string
	hasData := false
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if line == "" {
			if hasData {
				sink.OnMessage([]byte(strings.Join(data, "\n")))
			}
			data, hasData = data[:0], false
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		if field == "data" {
			data = append(data, value)
			hasData = true
		}
	}
	if err := scanner.Err(); err != nil {
		t.fail(sink, err)
		return
	}
	t.fail(sink, ErrStreamEnded)
}

func (t *sseTransport) Close() error {
	if !t.markClosed() {
		return nil
	}
	t.cancel()
	return nil
}
