// Package remote provides the HTTP transport client for the shared remote
// store, plus the wire types of the sync protocol.
//
// The remote store is the long-lived authority shared by every device of a
// hospital tenant. The client exposes three operations the sync engine
// needs: push one record upsert, pull changes since a marker, and a health
// probe for the connectivity monitor. A websocket subscription delivers
// change notifications so pulls do not rely on polling alone.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/openclinic/medisync/internal/schema"
)

// VersionedRecord is a record envelope together with the server-assigned
// version marker and global change sequence.
type VersionedRecord struct {
	schema.Record
	Version   int64 `json:"version"`
	ServerSeq int64 `json:"server_seq"`
}

// PushRequest is the body of a record upsert.
type PushRequest struct {
	Record      schema.Record `json:"record"`
	BaseVersion int64         `json:"base_version"`
	DeviceID    string        `json:"device_id"`
}

// PushResult is the server's acknowledgement of an applied upsert.
type PushResult struct {
	Version   int64 `json:"version"`
	ServerSeq int64 `json:"server_seq"`
	Duplicate bool  `json:"duplicate,omitempty"`
}

// ChangeBatch is one page of remote changes since a marker.
type ChangeBatch struct {
	Records []VersionedRecord `json:"records"`
	Next    int64             `json:"next"`
	HasMore bool              `json:"has_more"`
}

// Notice is a websocket change notification: something changed for the
// hospital tenant, pull when convenient.
type Notice struct {
	Table     string `json:"table,omitempty"`
	ServerSeq int64  `json:"server_seq"`
}

// ConflictError reports that the remote store holds a newer version of the
// record than the one the local change was based on. It carries the
// authoritative remote state so the caller can resolve without a second
// round trip.
type ConflictError struct {
	Remote  VersionedRecord
	Version int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s/%s: remote at version %d", e.Remote.Table, e.Remote.ID, e.Version)
}

// TransientError marks failures worth retrying with backoff: timeouts,
// connection errors, and server-side 5xx responses. The true remote state is
// unknown, so these must not trigger conflict resolution.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Config holds client settings.
type Config struct {
	// BaseURL is the remote store root, e.g. "https://sync.example.org".
	BaseURL string
	// Hospital is the tenant identifier scoping every request.
	Hospital string
	// DeviceID identifies this device in pushes and subscriptions.
	DeviceID string
	// Timeout bounds each HTTP request. On timeout the operation is a
	// transient failure, never a conflict.
	Timeout time.Duration
	// Logger for transport activity.
	Logger zerolog.Logger
}

// Client talks to the remote store over HTTP.
type Client struct {
	cfg  Config
	http *http.Client
	log  zerolog.Logger
}

// New creates a remote store client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if cfg.Hospital == "" {
		return nil, fmt.Errorf("hospital is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  cfg.Logger.With().Str("component", "remote").Logger(),
	}, nil
}

// Push upserts one record on the remote store.
//
// Returns *ConflictError when the server detects that the base version is
// stale, a *TransientError for timeouts and 5xx responses, and a plain error
// for anything else.
func (c *Client) Push(ctx context.Context, rec *schema.Record, baseVersion int64) (*PushResult, error) {
	body, err := json.Marshal(PushRequest{
		Record:      *rec,
		BaseVersion: baseVersion,
		DeviceID:    c.cfg.DeviceID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal push request: %w", err)
	}

	u := fmt.Sprintf("%s/api/v1/hospitals/%s/tables/%s/records/%s",
		c.cfg.BaseURL, url.PathEscape(c.cfg.Hospital), url.PathEscape(rec.Table), url.PathEscape(rec.ID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("push %s/%s: %w", rec.Table, rec.ID, err)}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var result PushResult
		if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
			return nil, fmt.Errorf("failed to decode push response: %w", err)
		}
		return &result, nil

	case resp.StatusCode == http.StatusConflict:
		var remote VersionedRecord
		if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
			return nil, fmt.Errorf("failed to decode conflict body: %w", err)
		}
		return nil, &ConflictError{Remote: remote, Version: remote.Version}

	case resp.StatusCode >= 500:
		return nil, &TransientError{Err: fmt.Errorf("push %s/%s: server returned %d", rec.Table, rec.ID, resp.StatusCode)}

	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("push %s/%s rejected: %d %s", rec.Table, rec.ID, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
}

// Changes fetches remote changes with server sequence greater than since.
func (c *Client) Changes(ctx context.Context, since int64, limit int) (*ChangeBatch, error) {
	u := fmt.Sprintf("%s/api/v1/hospitals/%s/changes?since=%d&limit=%d",
		c.cfg.BaseURL, url.PathEscape(c.cfg.Hospital), since, limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build changes request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("changes since %d: %w", since, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, &TransientError{Err: fmt.Errorf("changes since %d: server returned %d", since, resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("changes since %d rejected: %d", since, resp.StatusCode)
	}

	var batch ChangeBatch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, fmt.Errorf("failed to decode change batch: %w", err)
	}
	return &batch, nil
}

// Ping probes the remote store health endpoint. Used by the connectivity
// monitor; any failure means "offline" as far as the caller is concerned.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("failed to build ping request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("ping: %w", err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &TransientError{Err: fmt.Errorf("ping: server returned %d", resp.StatusCode)}
	}
	return nil
}

// Subscribe opens a websocket to the remote store and delivers change
// notices until ctx is cancelled or the connection drops. The returned
// channel is closed on either; the caller decides whether to resubscribe.
func (c *Client) Subscribe(ctx context.Context) (<-chan Notice, error) {
	wsURL := strings.Replace(c.cfg.BaseURL, "http", "ws", 1) +
		"/api/v1/hospitals/" + url.PathEscape(c.cfg.Hospital) + "/ws?device=" + url.QueryEscape(c.cfg.DeviceID)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, &TransientError{Err: fmt.Errorf("subscribe: %w", err)}
	}

	notices := make(chan Notice, 16)
	go func() {
		defer close(notices)
		defer conn.Close()

		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		for {
			var n Notice
			if err := conn.ReadJSON(&n); err != nil {
				if ctx.Err() == nil {
					c.log.Debug().Err(err).Msg("subscription closed")
				}
				return
			}
			select {
			case notices <- n:
			case <-ctx.Done():
				return
			}
		}
	}()
	return notices, nil
}

// ParseSince converts a stored marker string into a server sequence.
func ParseSince(marker string) int64 {
	n, _ := strconv.ParseInt(marker, 10, 64)
	return n
}
