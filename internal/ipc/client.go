package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/theirongolddev/agentmon/internal/model"
)

// Client is a typed wrapper over the socket protocol. One client holds one
// connection; a subscription consumes it entirely.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	enc  *json.Encoder
}

// Dial connects to the daemon socket.
func Dial(socketPath string) (*Client, error) {
	conn, err := net.DialTimeout("unix", socketPath, 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("connecting to daemon at %s: %w (is the daemon running?)", socketPath, err)
	}
	return &Client{
		conn: conn,
		r:    bufio.NewReaderSize(conn, 64*1024),
		enc:  json.NewEncoder(conn),
	}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(req Request) (*Response, error) {
	if err := c.enc.Encode(req); err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return &resp, nil
}

// Status fetches the daemon's status snapshot.
func (c *Client) Status() (*DaemonStatus, error) {
	resp, err := c.roundTrip(Request{Op: OpStatus})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

// ListSessions lists sessions matching the selectors; zero values match all.
func (c *Client) ListSessions(agent model.AgentType, status model.SessionStatus, limit int) ([]*model.Session, error) {
	resp, err := c.roundTrip(Request{Op: OpListSessions, Agent: agent, Status: status, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Sessions, nil
}

// GetSession fetches one session by id.
func (c *Client) GetSession(id string) (*model.Session, error) {
	resp, err := c.roundTrip(Request{Op: OpGetSession, SessionID: id})
	if err != nil {
		return nil, err
	}
	return resp.Session, nil
}

// SessionEvents fetches a session's event history in canonical order.
func (c *Client) SessionEvents(id string, limit int) ([]*model.Event, error) {
	resp, err := c.roundTrip(Request{Op: OpGetEvents, SessionID: id, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// RecentEvents fetches the newest events matching the filter.
func (c *Client) RecentEvents(filter model.EventFilter, limit int) ([]*model.Event, error) {
	resp, err := c.roundTrip(Request{Op: OpGetEvents, Filter: &filter, Limit: limit})
	if err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// HourlyMetrics fetches hourly buckets within [from, to). The bool reports
// whether rollups were lagging behind stored events.
func (c *Client) HourlyMetrics(agent model.AgentType, from, to time.Time) ([]*model.HourlyMetrics, bool, error) {
	resp, err := c.roundTrip(Request{Op: OpGetMetrics, Granularity: GranularityHourly, Agent: agent, From: from, To: to})
	if err != nil {
		return nil, false, err
	}
	return resp.Hourly, resp.Stale, nil
}

// DailyMetrics fetches daily buckets within [from, to).
func (c *Client) DailyMetrics(agent model.AgentType, from, to time.Time) ([]*model.DailyMetrics, bool, error) {
	resp, err := c.roundTrip(Request{Op: OpGetMetrics, Granularity: GranularityDaily, Agent: agent, From: from, To: to})
	if err != nil {
		return nil, false, err
	}
	return resp.Daily, resp.Stale, nil
}

// SubscribeEvents streams live events matching the filter to fn until ctx is
// done, the daemon shuts down, or fn returns an error. The connection cannot
// be reused afterwards.
func (c *Client) SubscribeEvents(ctx context.Context, filter model.EventFilter, fn func(Frame) error) error {
	if _, err := c.roundTrip(Request{Op: OpSubscribe, Filter: &filter}); err != nil {
		return err
	}

	// Unblock the read when ctx is canceled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
		case <-done:
		}
	}()

	for {
		line, err := c.r.ReadBytes('\n')
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("stream ended: %w", err)
		}
		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			return fmt.Errorf("decoding frame: %w", err)
		}
		if err := fn(frame); err != nil {
			return err
		}
	}
}
