package stream

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Default endpoint paths served by the transcription service.
const (
	DefaultStreamPath  = "/stream"
	DefaultSessionPath = "/transcribe"
)

// Endpoint locates the transcription service.
type Endpoint struct {
	// Host is host[:port] of the service.
	Host string

	// Secure selects wss:// and https:// instead of ws:// and http://.
	Secure bool

	// StreamPath is the WebSocket path for live audio. Default: "/stream".
	StreamPath string

	// SessionPath prefixes the per-client batch transcription URL.
	// Default: "/transcribe".
	SessionPath string
}

// NewClientID returns a fresh client identifier. One is generated per
// recording session and reused across reconnects.
func NewClientID() string {
	return uuid.NewString()
}

// StreamURL builds the WebSocket URL for clientID, selecting model through
// the query string.
func (e Endpoint) StreamURL(clientID, model string) (string, error) {
	if e.Host == "" {
		return "", errors.New("stream: endpoint host is empty")
	}
	if clientID == "" {
		return "", errors.New("stream: client id is empty")
	}
	scheme := "ws"
	if e.Secure {
		scheme = "wss"
	}
	q := url.Values{}
	if model != "" {
		q.Set("model", model)
	}
	q.Set("client_id", clientID)

	u := url.URL{
		Scheme:   scheme,
		Host:     e.Host,
		Path:     pathOr(e.StreamPath, DefaultStreamPath),
		RawQuery: q.Encode(),
	}
	return u.String(), nil
}

// SessionURL builds the per-client HTTP URL used to correlate batch
// transcription requests with the live session.
func (e Endpoint) SessionURL(clientID string) (string, error) {
	if e.Host == "" {
		return "", errors.New("stream: endpoint host is empty")
	}
	if clientID == "" {
		return "", errors.New("stream: client id is empty")
	}
	scheme := "http"
	if e.Secure {
		scheme = "https"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   e.Host,
		Path:   strings.TrimSuffix(pathOr(e.SessionPath, DefaultSessionPath), "/") + "/" + clientID,
	}
	return u.String(), nil
}

func pathOr(p, def string) string {
	if p == "" {
		return def
	}
	if !strings.HasPrefix(p, "/") {
		return "/" + p
	}
	return p
}

// String implements [fmt.Stringer].
func (e Endpoint) String() string {
	scheme := "ws"
	if e.Secure {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, e.Host, pathOr(e.StreamPath, DefaultStreamPath))
}
