// Package redisstub is a minimal RESP2 server implementing the stream
// commands the realtime relay issues. It exists so relay tests can run the
// real go-redis client without a Redis installation.
package redisstub

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

type Options struct {
	Password string
}

type Server struct {
	opts     Options
	listener net.Listener
	addr     string

	mu      sync.Mutex
	streams map[string]*stream
	seq     uint64
	closed  chan struct{}
}

type stream struct {
	entries []entry
	groups  map[string]*group
}

type entry struct {
	id     string
	fields []string
}

type group struct {
	next    int
	pending map[string]struct{}
}

// Start listens on an ephemeral loopback port.
func Start(opts Options) (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		opts:     opts,
		listener: ln,
		addr:     ln.Addr().String(),
		streams:  make(map[string]*stream),
		closed:   make(chan struct{}),
	}
	go s.serve()
	return s, nil
}

func (s *Server) Addr() string {
	return s.addr
}

func (s *Server) Close() error {
	s.mu.Lock()
	select {
	case <-s.closed:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.closed)
	s.mu.Unlock()
	return s.listener.Close()
}

// StreamLen reports the number of retained entries in name.
func (s *Server) StreamLen(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strm, ok := s.streams[name]; ok {
		return len(strm.entries)
	}
	return 0
}

// Groups lists the consumer groups registered on name.
func (s *Server) Groups(name string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[name]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(strm.groups))
	for g := range strm.groups {
		out = append(out, g)
	}
	return out
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			continue
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	authenticated := s.opts.Password == ""
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		if len(args) == 0 {
			if writeError(w, "ERR empty command") != nil {
				return
			}
			continue
		}
		var werr error
		switch strings.ToUpper(args[0]) {
		case "HELLO":
			// Forces go-redis back onto RESP2.
			werr = writeError(w, "ERR unknown command 'HELLO'")
		case "PING":
			werr = writeSimple(w, "PONG")
		case "AUTH":
			password := args[len(args)-1]
			if len(args) < 2 || len(args) > 3 {
				werr = writeError(w, "ERR wrong number of arguments for 'auth'")
			} else if s.opts.Password == "" || password == s.opts.Password {
				authenticated = true
				werr = writeSimple(w, "OK")
			} else {
				werr = writeError(w, "WRONGPASS invalid username-password pair")
			}
		case "SELECT", "CLIENT":
			werr = writeSimple(w, "OK")
		default:
			if !authenticated {
				werr = writeError(w, "NOAUTH Authentication required.")
				break
			}
			werr = s.dispatch(w, args)
		}
		if werr != nil {
			return
		}
	}
}

func (s *Server) dispatch(w *bufio.Writer, args []string) error {
	switch strings.ToUpper(args[0]) {
	case "XADD":
		return s.xadd(w, args[1:])
	case "XGROUP":
		return s.xgroup(w, args[1:])
	case "XREADGROUP":
		return s.xreadgroup(w, args[1:])
	case "XACK":
		if len(args) < 4 {
			return writeError(w, "ERR wrong number of arguments for 'xack'")
		}
		return writeInteger(w, int64(s.ack(args[1], args[2], args[3:])))
	default:
		return writeError(w, fmt.Sprintf("ERR unknown command '%s'", args[0]))
	}
}

// xadd accepts: key [MAXLEN [~|=] n] id field value [field value ...]
func (s *Server) xadd(w *bufio.Writer, args []string) error {
	if len(args) < 4 {
		return writeError(w, "ERR wrong number of arguments for 'xadd'")
	}
	key := args[0]
	rest := args[1:]
	maxLen := -1
	if strings.EqualFold(rest[0], "MAXLEN") {
		rest = rest[1:]
		if len(rest) > 0 && (rest[0] == "~" || rest[0] == "=") {
			rest = rest[1:]
		}
		if len(rest) == 0 {
			return writeError(w, "ERR syntax error")
		}
		n, err := strconv.Atoi(rest[0])
		if err != nil || n < 0 {
			return writeError(w, "ERR value is not an integer or out of range")
		}
		maxLen = n
		rest = rest[1:]
	}
	if len(rest) < 3 || len(rest[1:])%2 != 0 {
		return writeError(w, "ERR wrong number of arguments for 'xadd'")
	}

	s.mu.Lock()
	id := rest[0]
	if id == "*" {
		s.seq++
		id = fmt.Sprintf("%d-%d", time.Now().UnixMilli(), s.seq)
	}
	strm := s.stream(key)
	strm.entries = append(strm.entries, entry{id: id, fields: append([]string(nil), rest[1:]...)})
	if maxLen >= 0 && len(strm.entries) > maxLen {
		drop := len(strm.entries) - maxLen
		strm.entries = strm.entries[drop:]
		for _, g := range strm.groups {
			g.next -= drop
			if g.next < 0 {
				g.next = 0
			}
		}
	}
	s.mu.Unlock()
	return writeBulk(w, id)
}

// xgroup supports CREATE key group id [MKSTREAM] and DESTROY key group.
func (s *Server) xgroup(w *bufio.Writer, args []string) error {
	if len(args) < 3 {
		return writeError(w, "ERR wrong number of arguments for 'xgroup'")
	}
	key, name := args[1], args[2]
	switch strings.ToUpper(args[0]) {
	case "CREATE":
		if len(args) < 4 {
			return writeError(w, "ERR wrong number of arguments for 'xgroup'")
		}
		s.mu.Lock()
		strm := s.stream(key)
		if _, exists := strm.groups[name]; exists {
			s.mu.Unlock()
			return writeError(w, "BUSYGROUP Consumer Group name already exists")
		}
		g := &group{pending: make(map[string]struct{})}
		if args[3] == "$" {
			g.next = len(strm.entries)
		}
		strm.groups[name] = g
		s.mu.Unlock()
		return writeSimple(w, "OK")
	case "DESTROY":
		s.mu.Lock()
		removed := int64(0)
		if strm, ok := s.streams[key]; ok {
			if _, exists := strm.groups[name]; exists {
				delete(strm.groups, name)
				removed = 1
			}
		}
		s.mu.Unlock()
		return writeInteger(w, removed)
	default:
		return writeError(w, "ERR unsupported XGROUP subcommand")
	}
}

func (s *Server) xreadgroup(w *bufio.Writer, args []string) error {
	var groupName, key string
	count := 1
	blockMs := 0
	for i := 0; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "GROUP":
			if i+2 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			groupName = args[i+1]
			i += 2
		case "COUNT", "BLOCK":
			if i+1 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return writeError(w, "ERR value is not an integer or out of range")
			}
			if strings.EqualFold(args[i], "COUNT") {
				count = n
			} else {
				blockMs = n
			}
			i++
		case "STREAMS":
			if i+2 >= len(args) {
				return writeError(w, "ERR syntax error")
			}
			key = args[i+1]
			i = len(args)
		}
	}
	if key == "" || groupName == "" {
		return writeError(w, "ERR syntax error")
	}
	deadline := time.Now().Add(time.Duration(blockMs) * time.Millisecond)
	for {
		records, err := s.readGroup(key, groupName, count)
		if err != nil {
			return writeError(w, err.Error())
		}
		if len(records) > 0 {
			return writeArray(w, []any{[]any{key, records}})
		}
		if blockMs <= 0 || time.Now().After(deadline) {
			return writeNil(w)
		}
		select {
		case <-s.closed:
			return writeNil(w)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (s *Server) readGroup(key, groupName string, count int) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm := s.stream(key)
	g, ok := strm.groups[groupName]
	if !ok {
		return nil, fmt.Errorf("NOGROUP No such key '%s' or consumer group '%s'", key, groupName)
	}
	if count <= 0 {
		count = len(strm.entries)
	}
	var records []any
	for g.next < len(strm.entries) && len(records) < count {
		e := strm.entries[g.next]
		g.pending[e.id] = struct{}{}
		fields := make([]any, 0, len(e.fields))
		for _, f := range e.fields {
			fields = append(fields, f)
		}
		records = append(records, []any{e.id, fields})
		g.next++
	}
	return records, nil
}

func (s *Server) ack(key, groupName string, ids []string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	strm, ok := s.streams[key]
	if !ok {
		return 0
	}
	g, ok := strm.groups[groupName]
	if !ok {
		return 0
	}
	acked := 0
	for _, id := range ids {
		if _, exists := g.pending[id]; exists {
			delete(g.pending, id)
			acked++
		}
	}
	return acked
}

// stream must be called with s.mu held.
func (s *Server) stream(key string) *stream {
	strm, ok := s.streams[key]
	if !ok {
		strm = &stream{groups: make(map[string]*group)}
		s.streams[key] = strm
	}
	return strm
}

func readCommand(r *bufio.Reader) ([]string, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		return nil, fmt.Errorf("unexpected prefix in %q", line)
	}
	n, err := strconv.Atoi(line[1:])
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		header, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if len(header) == 0 || header[0] != '$' {
			return nil, fmt.Errorf("unexpected prefix in %q", header)
		}
		size, err := strconv.Atoi(header[1:])
		if err != nil {
			return nil, err
		}
		if size < 0 {
			args = append(args, "")
			continue
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func writeSimple(w *bufio.Writer, value string) error {
	fmt.Fprintf(w, "+%s\r\n", value)
	return w.Flush()
}

func writeError(w *bufio.Writer, msg string) error {
	fmt.Fprintf(w, "-%s\r\n", msg)
	return w.Flush()
}

func writeBulk(w *bufio.Writer, value string) error {
	fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value)
	return w.Flush()
}

func writeNil(w *bufio.Writer) error {
	w.WriteString("*-1\r\n")
	return w.Flush()
}

func writeInteger(w *bufio.Writer, value int64) error {
	fmt.Fprintf(w, ":%d\r\n", value)
	return w.Flush()
}

func writeArray(w *bufio.Writer, values []any) error {
	encodeArray(w, values)
	return w.Flush()
}

func encodeArray(w *bufio.Writer, values []any) {
	fmt.Fprintf(w, "*%d\r\n", len(values))
	for _, value := range values {
		switch v := value.(type) {
		case []any:
			encodeArray(w, v)
		case int64:
			fmt.Fprintf(w, ":%d\r\n", v)
		default:
			text := fmt.Sprint(v)
			fmt.Fprintf(w, "$%d\r\n%s\r\n", len(text), text)
		}
	}
}
