package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// frame mirrors the daemon's status envelope.
type frame struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func main() {
	var (
		wsURL  = flag.String("ws", "ws://127.0.0.1:8080/ws", "r2pilot status websocket URL")
		once   = flag.Bool("once", false, "Print the initial state and exit")
		motion = flag.Bool("motion", true, "Print motion frames")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// Control frames and the close message share the connection writer.
	var writeMu sync.Mutex

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	// The daemon pings us; answering resets our own deadline too.
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			if messageType != websocket.TextMessage {
				fmt.Printf("[BINARY] %d bytes\n", len(message))
				continue
			}
			typ := printFrame(message, *motion)
			if *once && typ == "state_init" {
				return
			}
			if typ == "shutdown" {
				return
			}
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// printFrame prints one status frame and returns its type.
func printFrame(message []byte, showMotion bool) string {
	var f frame
	if err := json.Unmarshal(message, &f); err != nil {
		fmt.Printf("[TEXT] %s\n", string(message))
		return ""
	}

	ts := ""
	if f.Ts != nil {
		ts = f.Ts.Local().Format("15:04:05.000") + " "
	}

	switch f.Type {
	case "motion":
		if !showMotion {
			return f.Type
		}
		var m struct {
			Drive, Turn, Dome float64
		}
		if err := json.Unmarshal(f.Data, &m); err == nil {
			fmt.Printf("%s[MOTION] drive=%+.3f turn=%+.3f dome=%+.3f\n", ts, m.Drive, m.Turn, m.Dome)
			return f.Type
		}

	case "speed_changed":
		var s struct {
			ScaleFactor float64 `json:"scale_factor"`
		}
		if err := json.Unmarshal(f.Data, &s); err == nil {
			fmt.Printf("%s[SPEED] %.2f\n", ts, s.ScaleFactor)
			return f.Type
		}

	case "combo":
		var c struct {
			Combo   string `json:"combo"`
			Pressed bool   `json:"pressed"`
			Action  string `json:"action"`
		}
		if err := json.Unmarshal(f.Data, &c); err == nil {
			edge := "UP"
			if c.Pressed {
				edge = "DOWN"
			}
			fmt.Printf("%s[COMBO %s] %s %s\n", ts, edge, c.Combo, c.Action)
			return f.Type
		}
	}

	var pretty any
	if err := json.Unmarshal(f.Data, &pretty); err != nil {
		fmt.Printf("%s[%s]\n", ts, f.Type)
		return f.Type
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Printf("%s[%s]\n%s\n\n", ts, f.Type, string(out))
	return f.Type
}
