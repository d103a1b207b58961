package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"
)

// ============================================================================
// pilot-ctl - Command-line IPC Client
// ============================================================================
// Sends commands to the r2pilot daemon over its Unix socket.
//
// Usage:
//   pilot-ctl stop [reason]
//   pilot-ctl status
//   pilot-ctl faster [step]
//   pilot-ctl slower [step]
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/r2pilot.sock)
// ============================================================================

const defaultStep = 0.05

// RequestEnvelope is the daemon's request wire format.
type RequestEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse represents the daemon's response.
type IPCResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

func main() {
	socketPath := "/tmp/r2pilot.sock"

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "-socket" || args[0] == "--socket" {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	req, err := buildRequest(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}
	if req == nil {
		printUsage()
		return
	}

	resp, err := send(socketPath, *req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if len(resp.Data) > 0 {
		var out bytes.Buffer
		if err := json.Indent(&out, resp.Data, "", "  "); err != nil {
			fmt.Println(string(resp.Data))
			return
		}
		fmt.Println(out.String())
		return
	}
	fmt.Println("ok")
}

// buildRequest maps command-line arguments to a request. A nil request means help.
func buildRequest(args []string) (*RequestEnvelope, error) {
	switch args[0] {
	case "stop":
		reason := "pilot-ctl"
		if len(args) > 1 {
			reason = args[1]
		}
		data, err := json.Marshal(map[string]string{"reason": reason})
		if err != nil {
			return nil, err
		}
		return &RequestEnvelope{Type: "stop", Data: data}, nil

	case "status":
		return &RequestEnvelope{Type: "status"}, nil

	case "faster", "slower":
		step := defaultStep
		if len(args) > 1 {
			v, err := strconv.ParseFloat(args[1], 64)
			if err != nil || v <= 0 {
				return nil, fmt.Errorf("invalid step %q", args[1])
			}
			step = v
		}
		if args[0] == "slower" {
			step = -step
		}
		data, err := json.Marshal(map[string]float64{"delta": step})
		if err != nil {
			return nil, err
		}
		return &RequestEnvelope{Type: "speed", Data: data}, nil

	case "help", "-h", "--help":
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown command: %s", args[0])
	}
}

func send(socketPath string, req RequestEnvelope) (IPCResponse, error) {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(3 * time.Second))

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
	if resp.Status == "error" {
		return resp, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp, nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `pilot-ctl - Control the r2pilot daemon via IPC

Usage:
  pilot-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/r2pilot.sock)

Commands:
  stop [reason]       Bring the robot to a safe stop and exit the daemon
  status              Print the control loop snapshot
  faster [step]       Raise the speed factor (default step 0.05)
  slower [step]       Lower the speed factor (default step 0.05)
  help, -h, --help    Show this help message

Examples:
  pilot-ctl status
  pilot-ctl slower 0.1
  pilot-ctl -socket /run/r2pilot.sock stop "battery low"
`)
}
