package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/theirongolddev/agentmon/internal/bus"
	"github.com/theirongolddev/agentmon/internal/logging"
	"github.com/theirongolddev/agentmon/internal/model"
	"github.com/theirongolddev/agentmon/internal/store"
)

// Backend is the daemon surface the server queries. Splitting it from the
// daemon package keeps the wire handling testable with a fake.
type Backend interface {
	Status() (*DaemonStatus, error)
	ListSessions(opts store.ListOptions) ([]*model.Session, error)
	GetSession(id string) (*model.Session, error)
	SessionEvents(id string, limit int) ([]*model.Event, error)
	RecentEvents(filter model.EventFilter, limit int) ([]*model.Event, error)
	HourlyMetrics(agent model.AgentType, from, to time.Time) ([]*model.HourlyMetrics, error)
	DailyMetrics(agent model.AgentType, from, to time.Time) ([]*model.DailyMetrics, error)
	MetricsStale() bool
	SubscribeEvents(name string) *bus.Subscription
	SessionProject(id string) string
}

// Server accepts connections on a unix socket and answers requests.
type Server struct {
	backend    Backend
	socketPath string
	log        *logrus.Entry

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// NewServer creates a server for the given socket path.
func NewServer(socketPath string, backend Backend) *Server {
	return &Server{
		backend:    backend,
		socketPath: socketPath,
		log:        logging.NewLogger("ipc"),
	}
}

// Listen binds the socket. A stale socket file from a dead daemon is removed;
// a live one means another daemon is running and binding fails.
func (s *Server) Listen() error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o750); err != nil {
		return fmt.Errorf("creating socket dir: %w", err)
	}

	if _, err := os.Stat(s.socketPath); err == nil {
		conn, err := net.DialTimeout("unix", s.socketPath, time.Second)
		if err == nil {
			_ = conn.Close()
			return fmt.Errorf("socket %s already in use", s.socketPath)
		}
		if err := os.Remove(s.socketPath); err != nil {
			return fmt.Errorf("removing stale socket: %w", err)
		}
		s.log.WithField("path", s.socketPath).Info("removed stale socket")
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("binding socket: %w", err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("restricting socket mode: %w", err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	return nil
}

// Serve accepts connections until ctx is done. Listen must have succeeded.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("serve called before listen")
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// Close unbinds the socket and removes the file.
func (s *Server) Close() {
	s.mu.Lock()
	ln := s.ln
	s.ln = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	_ = os.Remove(s.socketPath)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = enc.Encode(Response{Error: "malformed request: " + err.Error()})
			continue
		}

		if req.Op == OpSubscribe {
			// Streaming takes over the connection.
			s.streamEvents(ctx, conn, enc, req)
			return
		}

		resp := s.handle(req)
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (s *Server) handle(req Request) Response {
	switch req.Op {
	case OpStatus:
		st, err := s.backend.Status()
		if err != nil {
			return errResponse(err)
		}
		return Response{OK: true, Status: st}

	case OpListSessions:
		sessions, err := s.backend.ListSessions(store.ListOptions{
			Agent:       req.Agent,
			Status:      req.Status,
			ProjectPath: req.ProjectPath,
			Limit:       req.Limit,
		})
		if err != nil {
			return errResponse(err)
		}
		return Response{OK: true, Sessions: sessions}

	case OpGetSession:
		if req.SessionID == "" {
			return Response{Error: "session_id required"}
		}
		sess, err := s.backend.GetSession(req.SessionID)
		if err != nil {
			return errResponse(err)
		}
		if sess == nil {
			return Response{Error: "session not found: " + req.SessionID}
		}
		return Response{OK: true, Session: sess}

	case OpGetEvents:
		if req.SessionID != "" {
			events, err := s.backend.SessionEvents(req.SessionID, req.Limit)
			if err != nil {
				return errResponse(err)
			}
			return Response{OK: true, Events: events}
		}
		var filter model.EventFilter
		if req.Filter != nil {
			filter = *req.Filter
		}
		events, err := s.backend.RecentEvents(filter, req.Limit)
		if err != nil {
			return errResponse(err)
		}
		return Response{OK: true, Events: events}

	case OpGetMetrics:
		from, to := req.From, req.To
		if to.IsZero() {
			to = time.Now().UTC()
		}
		if from.IsZero() {
			from = to.Add(-24 * time.Hour)
		}
		switch req.Granularity {
		case GranularityDaily:
			daily, err := s.backend.DailyMetrics(req.Agent, from, to)
			if err != nil {
				return errResponse(err)
			}
			return Response{OK: true, Daily: daily, Stale: s.backend.MetricsStale()}
		case GranularityHourly, "":
			hourly, err := s.backend.HourlyMetrics(req.Agent, from, to)
			if err != nil {
				return errResponse(err)
			}
			return Response{OK: true, Hourly: hourly, Stale: s.backend.MetricsStale()}
		default:
			return Response{Error: "unknown granularity: " + req.Granularity}
		}

	default:
		return Response{Error: "unknown op: " + req.Op}
	}
}

func errResponse(err error) Response {
	return Response{Error: err.Error()}
}

// streamEvents acknowledges the subscription, then forwards matching events
// until the client disconnects or the server shuts down. A slow client's
// subscription drops its own oldest events; the cumulative count rides along
// in each frame.
func (s *Server) streamEvents(ctx context.Context, conn net.Conn, enc *json.Encoder, req Request) {
	sub := s.backend.SubscribeEvents("ipc:" + conn.RemoteAddr().String())
	defer sub.Close()

	if err := enc.Encode(Response{OK: true}); err != nil {
		return
	}

	var filter model.EventFilter
	if req.Filter != nil {
		filter = *req.Filter
	}

	// Read side only signals disconnect now.
	connClosed := make(chan struct{})
	go func() {
		defer close(connClosed)
		buf := make([]byte, 1)
		for {
			if _, err := conn.Read(buf); err != nil {
				return
			}
		}
	}()

	projects := make(map[string]string)
	for {
		select {
		case <-ctx.Done():
			return
		case <-connClosed:
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			projectPath := ""
			if filter.ProjectPath != "" {
				if p, ok := projects[ev.SessionID]; ok {
					projectPath = p
				} else {
					projectPath = s.backend.SessionProject(ev.SessionID)
					projects[ev.SessionID] = projectPath
				}
			}
			if !filter.Matches(ev, projectPath) {
				continue
			}
			if err := enc.Encode(Frame{Event: ev, Dropped: sub.Dropped()}); err != nil {
				return
			}
		}
	}
}
