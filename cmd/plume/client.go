package main

import (
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/plumeq/plume"
	"github.com/plumeq/plume/h3"
	"github.com/plumeq/plume/transport"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type clientCommand struct{}

func (clientCommand) Name() string {
	return "client"
}

func (clientCommand) Desc() string {
	return "download files using HTTP/3 over QUIC."
}

func (clientCommand) Run(args []string) error {
	cmd := flag.NewFlagSet("client", flag.ExitOnError)
	listenAddr := cmd.String("listen", "0.0.0.0:0", "listen on the given IP:port")
	insecure := cmd.Bool("insecure", false, "skip verifying server certificate")
	root := cmd.String("root", "", "root download directory")
	multi := cmd.Bool("multi", false, "download all files over a single connection")
	cipher := cmd.String("cipher", "", "TLS 1.3 cipher suite, e.g. TLS_CHACHA20_POLY1305_SHA256")
	qlogFile := cmd.String("qlog", "", "write logs to qlog file")
	logLevel := cmd.Int("v", 2, "log verbose: 0=off 1=error 2=info 3=debug 4=trace")
	keyUpdate := cmd.Bool("keyupdate", false, "initiate a key update after the first response")
	cmd.Usage = func() {
		fmt.Fprintln(cmd.Output(), "Usage: plume client [arguments] <url>")
		cmd.PrintDefaults()
	}
	cmd.Parse(args)

	addrs := cmd.Args()
	if len(addrs) == 0 {
		cmd.Usage()
		return nil
	} else if len(addrs) > 1 && *root == "" {
		// TODO: Support different hosts per connection
		fmt.Fprintln(cmd.Output(), "Multiple downloads require a root directory")
		return nil
	}
	urls := make([]*url.URL, len(addrs))
	for i, addr := range addrs {
		addrURL, err := parseURL(addr)
		if err != nil {
			return err
		}
		urls[i] = addrURL
	}
	config := newTransportConfig()
	config.TLS.ServerName = urls[len(urls)-1].Hostname()
	config.TLS.InsecureSkipVerify = *insecure
	if err := setCipherSuites(config.TLS, *cipher); err != nil {
		return err
	}
	handler := clientHandler{
		logger:    newConsoleLogger(*logLevel),
		root:      *root,
		queue:     urls,
		multi:     *multi,
		keyUpdate: *keyUpdate,
	}
	client := plume.NewClient(config)
	client.SetHandler(&handler)
	if *qlogFile == "" {
		client.SetLogger(*logLevel, os.Stderr)
	} else {
		logFd, err := os.Create(*qlogFile + ".txt")
		if err != nil {
			return err
		}
		defer logFd.Close()
		defer func() {
			logFd.Seek(0, os.SEEK_SET)
			qlogTransformToFile(*qlogFile, logFd)
		}()
		client.SetLogger(*logLevel, logFd)
	}
	if err := client.ListenAndServe(*listenAddr); err != nil {
		return err
	}
	if *multi {
		// Single connection, one request stream per file.
		handler.wg.Add(1)
		if err := client.Connect(canonicalAddr(urls[0])); err != nil {
			return err
		}
	} else {
		// One connection per file.
		handler.wg.Add(len(urls))
		var g errgroup.Group
		for _, u := range urls {
			u := u
			g.Go(func() error {
				return client.Connect(canonicalAddr(u))
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	handler.wg.Wait()
	return client.Close()
}

// clientConn is the per connection download state kept in Conn user data.
type clientConn struct {
	h3       *h3.Conn
	urls     []*url.URL          // not yet requested
	requests map[uint64]*os.File // response output by request stream ID
	updated  bool                // key update done
}

// clientHandler implements plume.Handler for any number of concurrent
// connections. Pending URLs are handed out when connections open.
type clientHandler struct {
	wg     sync.WaitGroup
	logger zerolog.Logger
	root   string // download directory, stdout when empty

	queueMu   sync.Mutex
	queue     []*url.URL
	multi     bool
	keyUpdate bool
}

// take assigns pending URLs to a new connection: all of them in multi
// mode, one otherwise.
func (s *clientHandler) take() []*url.URL {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	if s.multi {
		urls := s.queue
		s.queue = nil
		return urls
	}
	urls := s.queue[:1]
	s.queue = s.queue[1:]
	return urls
}

func (s *clientHandler) Serve(c *plume.Conn, events []transport.Event) {
	for _, e := range events {
		if e.Type == transport.EventConnClosed {
			if state, ok := c.UserData().(*clientConn); ok {
				for _, f := range state.requests {
					s.closeFile(f)
				}
			}
			s.wg.Done()
			continue
		}
		state, ok := c.UserData().(*clientConn)
		if !ok {
			if e.Type != transport.EventConnOpen {
				continue
			}
			state = &clientConn{
				h3:       h3.Client(c.Transport(), h3.Settings{}),
				urls:     s.take(),
				requests: make(map[uint64]*os.File),
			}
			c.SetUserData(state)
		}
		hevents, err := state.h3.HandleEvent(e)
		if err != nil {
			s.logger.Error().Err(err).Msg("connection")
			return
		}
		for _, he := range hevents {
			if err := s.handleH3Event(c, state, he); err != nil {
				s.logger.Error().Err(err).Msg("request")
				state.h3.Close(h3.InternalError, err.Error())
				return
			}
		}
		switch e.Type {
		case transport.EventConnOpen, transport.EventStreamCreatable:
			if err := s.sendRequests(state); err != nil {
				s.logger.Error().Err(err).Msg("request")
				state.h3.Close(h3.InternalError, err.Error())
				return
			}
		}
	}
}

func (s *clientHandler) sendRequests(state *clientConn) error {
	for len(state.urls) > 0 {
		fileURL := state.urls[0]
		id, err := state.h3.NewRequest()
		if err != nil {
			// Likely at the peer stream limit; retried when a stream
			// becomes creatable.
			s.logger.Debug().Err(err).Msg("request deferred")
			return nil
		}
		var output *os.File
		if s.root == "" {
			output = os.Stdout
		} else {
			name := filepath.Join(s.root, path.Clean(fileURL.Path))
			output, err = os.Create(name)
			if err != nil {
				return err
			}
		}
		headers := []h3.Header{
			{Name: ":method", Value: "GET"},
			{Name: ":scheme", Value: "https"},
			{Name: ":authority", Value: fileURL.Host},
			{Name: ":path", Value: fileURL.RequestURI()},
			{Name: "user-agent", Value: "plume"},
		}
		if err := state.h3.WriteHeaders(id, headers, true); err != nil {
			s.closeFile(output)
			return err
		}
		s.logger.Info().Uint64("stream", id).Str("path", fileURL.Path).Msg("request sent")
		state.urls = state.urls[1:]
		state.requests[id] = output
	}
	return nil
}

func (s *clientHandler) handleH3Event(c *plume.Conn, state *clientConn, he h3.Event) error {
	switch he := he.(type) {
	case h3.HeadersEvent:
		if _, ok := state.requests[he.StreamID]; !ok {
			return nil
		}
		for _, h := range he.Headers {
			if h.Name == ":status" {
				s.logger.Info().Uint64("stream", he.StreamID).Str("status", h.Value).Msg("response")
			}
		}
		if s.keyUpdate && !state.updated {
			// The server's HANDSHAKE_DONE has arrived by the time it
			// answers, so a key update is permitted now.
			state.updated = true
			if err := c.Transport().UpdateKey(); err != nil {
				return err
			}
		}
		if he.Fin {
			s.finishRequest(state, he.StreamID)
		}
	case h3.DataEvent:
		f := state.requests[he.StreamID]
		if f == nil {
			return nil
		}
		if _, err := f.Write(he.Data); err != nil {
			return err
		}
		if he.Fin {
			s.finishRequest(state, he.StreamID)
		}
	case h3.DoneEvent:
		s.finishRequest(state, he.StreamID)
	case h3.ResetEvent:
		s.logger.Error().Uint64("stream", he.StreamID).Uint64("code", he.ErrorCode).Msg("request reset")
		s.finishRequest(state, he.StreamID)
	case h3.GoawayEvent:
		s.logger.Info().Uint64("id", he.ID).Msg("server going away")
	}
	return nil
}

func (s *clientHandler) finishRequest(state *clientConn, streamID uint64) {
	f, ok := state.requests[streamID]
	if !ok {
		return
	}
	s.closeFile(f)
	delete(state.requests, streamID)
	if len(state.requests) == 0 && len(state.urls) == 0 {
		state.h3.Close(h3.NoError, "done")
	}
}

func (s *clientHandler) closeFile(f *os.File) {
	// Stdout is shared between downloads when no root is given.
	if s.root != "" {
		f.Close()
	}
}

func parseURL(addr string) (*url.URL, error) {
	addrURL, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	if addrURL.Scheme != "https" {
		return nil, fmt.Errorf("unsupported url scheme: %v", addrURL)
	}
	if addrURL.Path == "" {
		addrURL.Path = "/"
	}
	return addrURL, nil
}

func canonicalAddr(url *url.URL) string {
	addr := url.Hostname()
	port := url.Port()
	if port == "" {
		port = "443"
	}
	return net.JoinHostPort(addr, port)
}
