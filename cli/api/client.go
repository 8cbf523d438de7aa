package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client

	socket string
}

// New returns a client for baseURL. A unix:// URL dials the backend socket
// directly; requests then go to http://localhost on that connection.
func New(baseURL string) *Client {
	c := &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	if sock, ok := strings.CutPrefix(baseURL, "unix://"); ok {
		var d net.Dialer
		c.socket = sock
		c.BaseURL = "http://localhost"
		c.HTTPClient.Transport = &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return d.DialContext(ctx, "unix", sock)
			},
		}
	}
	return c
}

// Error is a non-2xx response from the backend.
type Error struct {
	StatusCode int
	Message    string
	Fields     []string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// Conflict reports whether another operation was already running.
func (e *Error) Conflict() bool {
	return e.StatusCode == http.StatusConflict
}

type Container struct {
	ID        string    `json:"id"`
	Names     string    `json:"names"`
	Image     string    `json:"image"`
	Status    string    `json:"status"`
	State     string    `json:"state"`
	CreatedAt time.Time `json:"createdAt"`
}

type Image struct {
	ID         string    `json:"id"`
	Repository string    `json:"repository"`
	Tag        string    `json:"tag"`
	Size       string    `json:"size"`
	CreatedAt  time.Time `json:"createdAt"`
}

type Status struct {
	Status    string     `json:"status"`
	Started   *time.Time `json:"started"`
	Error     *string    `json:"error"`
	Operation *string    `json:"operation"`
}

// Terminal reports whether the operation has finished one way or the other.
func (s *Status) Terminal() bool {
	return s.Status == "complete" || s.Status == "failed"
}

type HealthStatus struct {
	Status    string            `json:"status"`
	Services  map[string]string `json:"services"`
	Engine    string            `json:"engine"`
	ExportDir string            `json:"exportDir"`
	Clients   int               `json:"wsClients"`
}

type CommitRequest struct {
	ContainerID string `json:"containerId"`
	ImageName   string `json:"imageName"`
}

type ExportRequest struct {
	ImageID        string `json:"imageId"`
	ImageName      string `json:"imageName,omitempty"`
	ExportFilename string `json:"exportFilename"`
	Directory      string `json:"directory,omitempty"`
}

func (c *Client) Health() (*HealthStatus, error) {
	var h HealthStatus
	if err := c.get("/health", &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func (c *Client) Version() (string, error) {
	var v struct {
		Version string `json:"version"`
	}
	if err := c.get("/version", &v); err != nil {
		return "", err
	}
	return v.Version, nil
}

func (c *Client) ListContainers() ([]Container, error) {
	var containers []Container
	if err := c.get("/containers", &containers); err != nil {
		return nil, err
	}
	return containers, nil
}

func (c *Client) ListImages() ([]Image, error) {
	var images []Image
	if err := c.get("/images", &images); err != nil {
		return nil, err
	}
	return images, nil
}

func (c *Client) Commit(req CommitRequest) error {
	return c.send(http.MethodPost, "/commit", req, nil)
}

func (c *Client) Export(req ExportRequest) error {
	return c.send(http.MethodPost, "/export", req, nil)
}

func (c *Client) Status() (*Status, error) {
	var s Status
	if err := c.get("/status", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Reset() error {
	return c.send(http.MethodDelete, "/status", nil, nil)
}

func (c *Client) RemoveImage(id string) error {
	return c.send(http.MethodDelete, "/images/"+url.PathEscape(id), nil, nil)
}

func (c *Client) WebSocketURL() string {
	base := c.BaseURL
	base = strings.Replace(base, "http://", "ws://", 1)
	base = strings.Replace(base, "https://", "wss://", 1)
	return base + "/ws"
}

// Event is an operation event pushed by the backend hub.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Operation string                 `json:"operation"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

// DialEvents opens the backend event stream. The caller closes the conn.
func (c *Client) DialEvents(ctx context.Context) (*websocket.Conn, error) {
	dialer := *websocket.DefaultDialer
	if c.socket != "" {
		var d net.Dialer
		dialer.NetDialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			return d.DialContext(ctx, "unix", c.socket)
		}
	}
	header := http.Header{}
	if c.Token != "" {
		header.Set("Authorization", "Bearer "+c.Token)
	}
	conn, _, err := dialer.DialContext(ctx, c.WebSocketURL(), header)
	if err != nil {
		return nil, fmt.Errorf("websocket connect failed: %w", err)
	}
	return conn, nil
}

func (c *Client) get(path string, v any) error {
	return c.send(http.MethodGet, path, nil, v)
}

func (c *Client) send(method, path string, body, v any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = strings.NewReader(string(b))
	}

	req, err := http.NewRequest(method, c.BaseURL+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &Error{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
		var parsed struct {
			Error  string   `json:"error"`
			Fields []string `json:"fields"`
		}
		if json.Unmarshal(b, &parsed) == nil && parsed.Error != "" {
			apiErr.Message = parsed.Error
			apiErr.Fields = parsed.Fields
		}
		return apiErr
	}

	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
