package resp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"memgrowth/internal/growth"
	"memgrowth/internal/logging"
	"memgrowth/internal/stats"
)

// Service is what the RESP front end needs from the growth controller
type Service interface {
	RunOnce(ctx context.Context) (stats.Snapshot, error)
	Reset(ctx context.Context) stats.Snapshot
	Snapshot(ctx context.Context) stats.Snapshot
	Health(ctx context.Context) stats.HealthReport
	// PoolStats returns nil when no payload pool is configured
	PoolStats() map[string]interface{}
}

// Server answers RESP commands that map onto the growth operations:
// PROCESS, STATS, CLEAR (FLUSHALL), HEALTH, DBSIZE, INFO, PING and QUIT.
type Server struct {
	address  string
	listener net.Listener
	svc      Service

	// Connection management
	connections map[net.Conn]*ClientConn
	connMutex   sync.RWMutex
	connIDSeq   atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	config ServerConfig

	totalConnections  atomic.Uint64
	commandsProcessed atomic.Uint64
	errorsEncountered atomic.Uint64
	bytesSent         atomic.Uint64
}

// ServerConfig holds server configuration
type ServerConfig struct {
	MaxConnections  int
	IdleTimeout     time.Duration
	CommandTimeout  time.Duration
	BufferSize      int
	KeepAlive       bool
	KeepAlivePeriod time.Duration
}

// ServerStats holds server statistics
type ServerStats struct {
	TotalConnections  uint64
	ActiveConnections int
	CommandsProcessed uint64
	ErrorsEncountered uint64
	BytesSent         uint64
}

// ClientConn represents a client connection
type ClientConn struct {
	id       uint64
	conn     net.Conn
	writer   *bufio.Writer
	parser   *Parser
	lastUsed atomic.Int64 // unix nanos
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		MaxConnections:  1000,
		IdleTimeout:     5 * time.Minute,
		CommandTimeout:  5 * time.Minute,
		BufferSize:      4096,
		KeepAlive:       true,
		KeepAlivePeriod: time.Minute,
	}
}

// NewServer creates a new RESP server
func NewServer(address string, svc Service) *Server {
	return NewServerWithConfig(address, svc, DefaultServerConfig())
}

// NewServerWithConfig creates a new RESP server with custom configuration
func NewServerWithConfig(address string, svc Service, config ServerConfig) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address:     address,
		svc:         svc,
		connections: make(map[net.Conn]*ClientConn),
		ctx:         ctx,
		cancel:      cancel,
		config:      config,
	}
}

// Start binds the listener and begins accepting connections
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server is already running")
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(2)
	go s.connectionCleaner()
	go s.acceptConnections()

	logging.Info(s.ctx, logging.ComponentRESP, logging.ActionStart, "RESP server listening", map[string]interface{}{
		"addr": listener.Addr().String(),
	})
	return nil
}

// Addr returns the bound address, nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every client connection
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return fmt.Errorf("server is not running")
	}

	s.cancel()
	s.listener.Close()

	s.connMutex.Lock()
	for conn := range s.connections {
		conn.Close()
	}
	s.connMutex.Unlock()

	s.wg.Wait()

	logging.Info(s.ctx, logging.ComponentRESP, logging.ActionStop, "RESP server stopped", map[string]interface{}{
		"commands_processed": s.commandsProcessed.Load(),
	})
	return nil
}

// GetStats returns server statistics
func (s *Server) GetStats() ServerStats {
	s.connMutex.RLock()
	active := len(s.connections)
	s.connMutex.RUnlock()

	return ServerStats{
		TotalConnections:  s.totalConnections.Load(),
		ActiveConnections: active,
		CommandsProcessed: s.commandsProcessed.Load(),
		ErrorsEncountered: s.errorsEncountered.Load(),
		BytesSent:         s.bytesSent.Load(),
	}
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.running.Load() {
				continue
			}
			return
		}

		s.connMutex.RLock()
		connCount := len(s.connections)
		s.connMutex.RUnlock()

		if connCount >= s.config.MaxConnections {
			conn.Write(FormatError("ERR max number of clients reached"))
			conn.Close()
			s.errorsEncountered.Add(1)
			continue
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok && s.config.KeepAlive {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(s.config.KeepAlivePeriod)
		}

		clientConn := &ClientConn{
			id:     s.connIDSeq.Add(1),
			conn:   conn,
			writer: bufio.NewWriterSize(conn, s.config.BufferSize),
			parser: NewParser(bufio.NewReaderSize(conn, s.config.BufferSize)),
		}
		clientConn.lastUsed.Store(time.Now().UnixNano())

		s.connMutex.Lock()
		s.connections[conn] = clientConn
		s.connMutex.Unlock()
		s.totalConnections.Add(1)

		s.wg.Add(1)
		go s.handleConnection(clientConn)
	}
}

func (s *Server) handleConnection(clientConn *ClientConn) {
	defer s.wg.Done()
	defer func() {
		clientConn.conn.Close()
		s.connMutex.Lock()
		delete(s.connections, clientConn.conn)
		s.connMutex.Unlock()
	}()

	ctx := logging.WithCorrelationID(s.ctx, fmt.Sprintf("resp-%d", clientConn.id))

	for {
		if s.config.CommandTimeout > 0 {
			clientConn.conn.SetReadDeadline(time.Now().Add(s.config.CommandTimeout))
		}

		value, err := clientConn.parser.Parse()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				clientConn.conn.Write(FormatError("ERR timeout"))
			}
			return
		}
		clientConn.lastUsed.Store(time.Now().UnixNano())

		response, quit := s.processCommand(ctx, value)
		s.commandsProcessed.Add(1)

		n, err := clientConn.writer.Write(response)
		s.bytesSent.Add(uint64(n))
		// pipelined commands already buffered are answered in one write
		if err == nil && clientConn.parser.reader.Buffered() == 0 {
			err = clientConn.writer.Flush()
		}
		if err != nil || quit {
			clientConn.writer.Flush()
			return
		}
	}
}

// processCommand never fails: errors become RESP error replies
func (s *Server) processCommand(ctx context.Context, value *Value) (response []byte, quit bool) {
	cmd, err := ParseCommand(value)
	if err != nil {
		s.errorsEncountered.Add(1)
		return FormatError("ERR " + err.Error()), false
	}
	if cmd.Name == "QUIT" {
		return FormatSimpleString("OK"), true
	}

	response, err = s.routeCommand(ctx, *cmd)
	if err != nil {
		s.errorsEncountered.Add(1)
		if errors.Is(err, growth.ErrAllocationFailure) {
			return FormatError("OOM " + err.Error()), false
		}
		return FormatError("ERR " + err.Error()), false
	}
	return response, false
}

func (s *Server) routeCommand(ctx context.Context, cmd Command) ([]byte, error) {
	switch cmd.Name {
	case "PROCESS":
		return s.handleProcess(ctx, cmd)
	case "STATS":
		return jsonReply(s.svc.Snapshot(ctx))
	case "CLEAR":
		return jsonReply(s.svc.Reset(ctx))
	case "FLUSHALL":
		s.svc.Reset(ctx)
		return FormatSimpleString("OK"), nil
	case "HEALTH":
		return jsonReply(s.svc.Health(ctx))
	case "DBSIZE":
		return FormatInteger(int64(s.svc.Snapshot(ctx).CacheStats.RetentionSetSize)), nil
	case "INFO":
		return s.handleInfo(ctx)
	case "PING":
		if len(cmd.Args) == 0 {
			return FormatSimpleString("PONG"), nil
		}
		return FormatBulkString(cmd.Args[0]), nil
	default:
		return nil, fmt.Errorf("unknown command '%s'", strings.ToLower(cmd.Name))
	}
}

// handleProcess runs one growth step. PROCESS n runs n steps and replies
// with the last snapshot.
func (s *Server) handleProcess(ctx context.Context, cmd Command) ([]byte, error) {
	count := 1
	if len(cmd.Args) > 0 {
		n, err := strconv.Atoi(cmd.Args[0])
		if err != nil || n < 1 {
			return nil, fmt.Errorf("value is not a positive integer")
		}
		count = n
	}

	var snap stats.Snapshot
	for i := 0; i < count; i++ {
		var err error
		if snap, err = s.svc.RunOnce(ctx); err != nil {
			return nil, err
		}
	}
	return jsonReply(snap)
}

func (s *Server) handleInfo(ctx context.Context) ([]byte, error) {
	server := s.GetStats()
	snap := s.svc.Snapshot(ctx)
	health := s.svc.Health(ctx)
	c := snap.CacheStats

	var b strings.Builder
	fmt.Fprintf(&b, "# Server\r\nprocess_id:%d\r\ntcp_addr:%s\r\n\r\n", os.Getpid(), s.Addr())
	fmt.Fprintf(&b, "# Clients\r\nconnected_clients:%d\r\nmaxclients:%d\r\n\r\n", server.ActiveConnections, s.config.MaxConnections)
	fmt.Fprintf(&b, "# Stats\r\ntotal_connections_received:%d\r\ntotal_commands_processed:%d\r\ntotal_net_output_bytes:%d\r\ntotal_requests:%d\r\n\r\n",
		server.TotalConnections, server.CommandsProcessed, server.BytesSent, snap.AppStats.TotalRequests)
	fmt.Fprintf(&b, "# Memory\r\nused_memory_mb:%d\r\nmax_memory_mb:%d\r\napproximate_allocated_mb:%d\r\nhealth:%s\r\nusage_percent:%s\r\n\r\n",
		snap.MemoryStats.UsedMemoryMB, snap.MemoryStats.MaxMemoryMB, snap.AppStats.ApproximateMemoryAllocatedMB, health.Status, health.MemoryUsagePercent)
	fmt.Fprintf(&b, "# Retention\r\nby_id:%d\r\nsequence:%d\r\narrival_queue:%d\r\nunique_set:%d\r\ntime_buckets:%d\r\nbucketed_objects:%d\r\n",
		c.PrimaryCacheSize, c.RetentionListSize, c.RetentionQueueSize, c.RetentionSetSize, c.CategoryCacheSize, c.TotalCategoryObjects)

	if pool := s.svc.PoolStats(); pool != nil {
		keys := make([]string, 0, len(pool))
		for k := range pool {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\r\n# Pool\r\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "pool_%s:%v\r\n", k, pool[k])
		}
	}

	return FormatBulkString(b.String()), nil
}

func jsonReply(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return FormatBulkBytes(data), nil
}

func (s *Server) connectionCleaner() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.cleanupIdleConnections()
		}
	}
}

func (s *Server) cleanupIdleConnections() {
	if s.config.IdleTimeout <= 0 {
		return
	}

	cutoff := time.Now().Add(-s.config.IdleTimeout).UnixNano()

	s.connMutex.RLock()
	defer s.connMutex.RUnlock()

	// handleConnection removes the entry once its read fails
	for conn, clientConn := range s.connections {
		if clientConn.lastUsed.Load() < cutoff {
			conn.Close()
		}
	}
}
