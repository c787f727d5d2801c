// Command ws_bridge exposes a stdio agent over a websocket. Every connection
// gets its own subprocess; each websocket text message is written to the
// subprocess stdin as one line, and each stdout line is sent back as one
// message. Subprocess stderr is logged.
package main

import (
	"bufio"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// defaultCommand runs the agent in ACP mode.
var defaultCommand = []string{"opengravity", "-acp"}

func main() {
	addr := flag.String("addr", ":8080", "Address to listen on")
	origins := flag.String("origin", "", "Comma-separated browser origins allowed to connect (same-origin only when empty, '*' for any)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	command := flag.Args()
	if len(command) == 0 {
		command = defaultCommand
	}

	http.HandleFunc("/ws", handleWS(command, newUpgrader(splitOrigins(*origins)), logger))
	logger.Info("websocket bridge listening", "addr", *addr, "path", "/ws", "command", command)
	if err := http.ListenAndServe(*addr, nil); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// newUpgrader accepts connections from the listed origins. Without any, only
// same-origin browsers and clients that send no Origin header are accepted.
func newUpgrader(allowed []string) *websocket.Upgrader {
	if len(allowed) == 0 {
		return &websocket.Upgrader{}
	}
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			for _, a := range allowed {
				if a == "*" || strings.EqualFold(a, origin) {
					return true
				}
			}
			return false
		},
	}
}

func splitOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func handleWS(cmdArgs []string, upgrader *websocket.Upgrader, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		cmd := exec.Command(cmdArgs[0], cmdArgs[1:]...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			logger.Error("could not open stdin", "error", err)
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			logger.Error("could not open stdout", "error", err)
			return
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			logger.Error("could not open stderr", "error", err)
			return
		}
		if err := cmd.Start(); err != nil {
			logger.Error("could not start agent", "command", cmdArgs, "error", err)
			return
		}
		log := logger.With("remote", r.RemoteAddr, "pid", cmd.Process.Pid)
		log.Info("agent started")
		defer func() {
			stdin.Close()
			if err := cmd.Wait(); err != nil {
				log.Info("agent exited", "error", err)
			} else {
				log.Info("agent exited")
			}
		}()

		// gorilla connections allow one concurrent writer.
		var writeMu sync.Mutex
		done := make(chan struct{})

		// agent stdout -> websocket
		go func() {
			defer close(done)
			scanner := bufio.NewScanner(stdout)
			scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
			for scanner.Scan() {
				writeMu.Lock()
				err := conn.WriteMessage(websocket.TextMessage, scanner.Bytes())
				writeMu.Unlock()
				if err != nil {
					log.Warn("websocket write failed", "error", err)
					return
				}
			}
			writeMu.Lock()
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "agent exited"))
			writeMu.Unlock()
		}()

		// agent stderr -> log
		go func() {
			scanner := bufio.NewScanner(stderr)
			for scanner.Scan() {
				log.Info("agent stderr", "line", scanner.Text())
			}
		}()

		// websocket -> agent stdin
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Info("websocket closed", "error", err)
				}
				break
			}
			if _, err := stdin.Write(append(msg, '\n')); err != nil {
				log.Warn("agent stdin write failed", "error", err)
				break
			}
		}

		// Closing stdin lets a well-behaved agent exit on EOF.
		stdin.Close()
		select {
		case <-done:
		case <-time.After(shutdownGrace):
			log.Warn("agent did not exit, killing it")
			cmd.Process.Kill()
			<-done
		}
	}
}

// shutdownGrace is how long an agent may take to exit after its client left.
const shutdownGrace = 5 * time.Second
