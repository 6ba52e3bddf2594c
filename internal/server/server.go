package server

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/AvengeMedia/pimsearch/internal/log"
	"github.com/AvengeMedia/pimsearch/internal/server/models"
)

const APIVersion = 1

const socketPrefix = "pimsearch-"

type ServerInfo struct {
	APIVersion int    `json:"apiVersion"`
	Version    string `json:"version,omitempty"`
}

// SocketDir is where daemons create their sockets.
func SocketDir() string {
	if runtime := os.Getenv("XDG_RUNTIME_DIR"); runtime != "" {
		return runtime
	}

	if os.Getuid() == 0 {
		if _, err := os.Stat("/run"); err == nil {
			return "/run/pimsearch"
		}
		return "/var/run/pimsearch"
	}

	return os.TempDir()
}

// IsSocketName reports whether name looks like a daemon socket.
func IsSocketName(name string) bool {
	return strings.HasPrefix(name, socketPrefix) && strings.HasSuffix(name, ".sock")
}

func GetSocketPath() string {
	return filepath.Join(SocketDir(), fmt.Sprintf("%s%d.sock", socketPrefix, os.Getpid()))
}

func cleanupStaleSockets(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	for _, entry := range entries {
		if !IsSocketName(entry.Name()) {
			continue
		}

		pidStr := strings.TrimSuffix(strings.TrimPrefix(entry.Name(), socketPrefix), ".sock")
		pid, err := strconv.Atoi(pidStr)
		if err != nil || pid == os.Getpid() {
			continue
		}

		process, err := os.FindProcess(pid)
		if err == nil {
			err = process.Signal(syscall.Signal(0))
		}
		if err != nil {
			socketPath := filepath.Join(dir, entry.Name())
			os.Remove(socketPath)
			log.Debugf("Removed stale socket: %s", socketPath)
		}
	}
}

type UnixServer struct {
	router  *Router
	path    string
	version string

	mu       sync.Mutex
	listener net.Listener
}

func NewUnix(router *Router, version string) *UnixServer {
	return &UnixServer{
		router:  router,
		path:    GetSocketPath(),
		version: version,
	}
}

func (s *UnixServer) Path() string { return s.path }

// handleConnection answers one request per line until the client hangs up.
func (s *UnixServer) handleConnection(conn net.Conn) {
	defer conn.Close()

	srvInfoData, _ := json.Marshal(ServerInfo{
		APIVersion: APIVersion,
		Version:    s.version,
	})
	conn.Write(append(srvInfoData, '\n'))

	scanner := bufio.NewScanner(conn)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var req models.Request
		if err := json.Unmarshal(line, &req); err != nil {
			models.RespondError(conn, 0, "invalid json")
			continue
		}

		s.router.RouteRequest(conn, req)
	}
}

func (s *UnixServer) Start() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}
	cleanupStaleSockets(dir)
	os.Remove(s.path)

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	log.Infof("pimsearch API server listening on: %s", s.path)
	log.Info("Protocol: JSON lines over Unix socket")
	log.Info("Request format: {\"id\": <int>, \"method\": \"...\", \"params\": {...}}")
	log.Info("Response format: {\"id\": <int>, \"result\": {...}} or {\"id\": <int>, \"error\": \"...\"}")

	for {
		conn, err := listener.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
		go s.handleConnection(conn)
	}
}

func (s *UnixServer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()
	s.listener = nil
	os.Remove(s.path)
	return err
}
