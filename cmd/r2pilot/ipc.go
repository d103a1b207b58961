package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// Local tools (pilot-ctl, scripts) talk to the daemon over a Unix socket.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "stop"|"speed"|"status", "data": {...}}
//   - Server responds: {"status": "ok", "data": ...} or {"status": "error", "error": "msg"}
// ============================================================================

// IPCResponse represents the response sent back to IPC clients
type IPCResponse struct {
	Status string          `json:"status"`          // "ok" or "error"
	Error  string          `json:"error,omitempty"` // error message if status == "error"
	Data   json.RawMessage `json:"data,omitempty"`
}

// runIPCServer serves the socket until ctx is canceled.
func runIPCServer(ctx context.Context, socketPath string, cmds chan<- LoopCommand, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	// Stop is a safety command; keep it to the owner and group.
	if err := os.Chmod(socketPath, 0660); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Closing the listener unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Debug("IPC listener closed (shutdown)")
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(ctx, conn, cmds, logger)
	}
}

// handleIPCConnection serves requests from one client until it disconnects.
func handleIPCConnection(ctx context.Context, conn net.Conn, cmds chan<- LoopCommand, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Debug("IPC received", "line", line)

		resp := serveIPCRequest(ctx, []byte(line), cmds)
		if resp.Status != "ok" {
			logger.Warn("IPC request failed", "error", resp.Error)
		}
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}

	logger.Debug("IPC connection closed")
}

func serveIPCRequest(ctx context.Context, line []byte, cmds chan<- LoopCommand) IPCResponse {
	cmd, err := UnmarshalRequest(line)
	if err != nil {
		return IPCResponse{Status: "error", Error: fmt.Sprintf("parse request: %v", err)}
	}

	if _, ok := cmd.(ipcStatusRequest); ok {
		snap, err := requestSnapshot(ctx, cmds, snapshotTimeout)
		if err != nil {
			return IPCResponse{Status: "error", Error: err.Error()}
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return IPCResponse{Status: "error", Error: fmt.Sprintf("marshal snapshot: %v", err)}
		}
		return IPCResponse{Status: "ok", Data: data}
	}

	select {
	case cmds <- cmd:
		return IPCResponse{Status: "ok"}
	default:
		return IPCResponse{Status: "error", Error: "command queue full"}
	}
}

// requestSnapshot asks the loop for a snapshot, waiting at most timeout.
func requestSnapshot(ctx context.Context, cmds chan<- LoopCommand, timeout time.Duration) (LoopSnapshot, error) {
	reply := make(chan LoopSnapshot, 1)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case cmds <- CmdSnapshot{Reply: reply}:
	case <-ctx.Done():
		return LoopSnapshot{}, fmt.Errorf("snapshot request: %w", ctx.Err())
	}

	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return LoopSnapshot{}, fmt.Errorf("snapshot reply: %w", ctx.Err())
	}
}

// ============================================================================
// IPC Client
// ============================================================================

// SendIPCRequest sends one request line to the daemon and returns its response.
func SendIPCRequest(socketPath string, req RequestEnvelope, timeout time.Duration) (IPCResponse, error) {
	conn, err := net.DialTimeout("unix", socketPath, timeout)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	data, err := json.Marshal(req)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return resp, fmt.Errorf("ipc error: %s", resp.Error)
	}
	return resp, nil
}
