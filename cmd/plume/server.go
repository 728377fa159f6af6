package main

import (
	"crypto/tls"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/plumeq/plume"
	"github.com/plumeq/plume/h3"
	"github.com/plumeq/plume/transport"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

type serverCommand struct{}

func (serverCommand) Name() string {
	return "server"
}

func (serverCommand) Desc() string {
	return "start an HTTP/3 server."
}

// serverOptions can be provided in a TOML file via -config. Command line
// flags override file values.
type serverOptions struct {
	Listen   string `toml:"listen"`
	CertFile string `toml:"cert"`
	KeyFile  string `toml:"key"`
	Root     string `toml:"root"`
	Domains  string `toml:"domains"`
	CacheDir string `toml:"cache"`
	QlogFile string `toml:"qlog"`
	LogLevel int    `toml:"verbosity"`
	Retry    bool   `toml:"retry"`
}

func (serverCommand) Run(args []string) error {
	cmd := flag.NewFlagSet("server", flag.ExitOnError)
	configFile := cmd.String("config", "", "read options from the given TOML file")
	listenAddr := cmd.String("listen", ":4433", "listen on the given IP:port")
	certFile := cmd.String("cert", "", "TLS certificate path")
	keyFile := cmd.String("key", "", "TLS certificate key path")
	domains := cmd.String("domains", "", "allowed host names for ACME (separated by a comma)")
	cacheDir := cmd.String("cache", ".", "certificate cache directory when using ACME")
	root := cmd.String("root", "www", "root directory")
	qlogFile := cmd.String("qlog", "", "write logs to qlog file")
	logLevel := cmd.Int("v", 2, "log verbose: 0=off 1=error 2=info 3=debug 4=trace")
	enableRetry := cmd.Bool("retry", false, "enable address validation using Retry packet")
	cmd.Usage = func() {
		fmt.Fprintln(cmd.Output(), "Usage: plume server [arguments]")
		cmd.PrintDefaults()
	}
	cmd.Parse(args)

	options := serverOptions{
		Listen:   *listenAddr,
		Root:     *root,
		CacheDir: *cacheDir,
		LogLevel: *logLevel,
	}
	if *configFile != "" {
		if _, err := toml.DecodeFile(*configFile, &options); err != nil {
			return err
		}
	}
	cmd.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			options.Listen = *listenAddr
		case "cert":
			options.CertFile = *certFile
		case "key":
			options.KeyFile = *keyFile
		case "domains":
			options.Domains = *domains
		case "cache":
			options.CacheDir = *cacheDir
		case "root":
			options.Root = *root
		case "qlog":
			options.QlogFile = *qlogFile
		case "v":
			options.LogLevel = *logLevel
		case "retry":
			options.Retry = *enableRetry
		}
	})

	config := newTransportConfig()
	if options.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(options.CertFile, options.KeyFile)
		if err != nil {
			return err
		}
		config.TLS.Certificates = []tls.Certificate{cert}
	}
	if options.Domains != "" {
		acme := acmeHandler{
			domains:  options.Domains,
			cacheDir: options.CacheDir,
		}
		err := acme.listen(config.TLS)
		if err != nil {
			return err
		}
		defer acme.Close()
		go acme.serve()
	}
	if len(config.TLS.Certificates) == 0 && config.TLS.GetCertificate == nil && config.TLS.GetConfigForClient == nil {
		return fmt.Errorf("TLS certificate must be set")
	}
	server := plume.NewServer(config)
	server.SetHandler(&serverHandler{
		logger: newConsoleLogger(options.LogLevel),
		root:   options.Root,
		buf:    newBuffers(2048, 10),
	})
	if options.Retry {
		verifier, err := transport.NewAddressValidator()
		if err != nil {
			return err
		}
		server.SetAddressVerifier(verifier)
	}
	if options.QlogFile == "" {
		server.SetLogger(options.LogLevel, os.Stderr)
	} else {
		logFd, err := os.Create(options.QlogFile + ".txt")
		if err != nil {
			return err
		}
		defer logFd.Close()
		defer func() {
			logFd.Seek(0, os.SEEK_SET)
			qlogTransformToFile(options.QlogFile, logFd)
		}()
		server.SetLogger(options.LogLevel, logFd)
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGQUIT)
	go func() {
		<-sigCh
		server.Close()
	}()
	return server.ListenAndServe(options.Listen)
}

// serverConn is the per connection state kept in Conn user data.
type serverConn struct {
	h3        *h3.Conn
	responses map[uint64]*os.File // body being sent by request stream ID
}

type serverHandler struct {
	logger zerolog.Logger
	root   string
	buf    buffers
}

func (s *serverHandler) Serve(c *plume.Conn, events []transport.Event) {
	for _, e := range events {
		if e.Type == transport.EventConnClosed {
			if state, ok := c.UserData().(*serverConn); ok {
				for _, f := range state.responses {
					f.Close()
				}
			}
			continue
		}
		state, ok := c.UserData().(*serverConn)
		if !ok {
			if e.Type != transport.EventConnOpen {
				continue
			}
			state = &serverConn{
				h3:        h3.Server(c.Transport(), h3.Settings{}),
				responses: make(map[uint64]*os.File),
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
				s.logger.Error().Err(err).Msg("response")
				state.h3.Close(h3.InternalError, err.Error())
				return
			}
		}
		if e.Type == transport.EventStreamWritable {
			if err := s.pumpResponse(c, state, e.ID); err != nil {
				s.logger.Error().Err(err).Msg("response")
				state.h3.Close(h3.InternalError, err.Error())
				return
			}
		}
	}
}

func (s *serverHandler) handleH3Event(c *plume.Conn, state *serverConn, he h3.Event) error {
	switch he := he.(type) {
	case h3.HeadersEvent:
		return s.handleRequest(c, state, he)
	case h3.ResetEvent:
		if f := state.responses[he.StreamID]; f != nil {
			f.Close()
			delete(state.responses, he.StreamID)
		}
	}
	return nil
}

func (s *serverHandler) handleRequest(c *plume.Conn, state *serverConn, he h3.HeadersEvent) error {
	var method, reqPath string
	for _, h := range he.Headers {
		switch h.Name {
		case ":method":
			method = h.Value
		case ":path":
			reqPath = h.Value
		}
	}
	s.logger.Info().Uint64("stream", he.StreamID).
		Str("method", method).Str("path", reqPath).
		Stringer("peer", c.RemoteAddr()).Msg("request")
	if method != "GET" {
		return s.respondError(state, he.StreamID, "405", "method not allowed")
	}
	name := filepath.Join(s.root, path.Clean(reqPath))
	f, err := os.Open(name)
	if err != nil {
		return s.respondError(state, he.StreamID, "404", "not found")
	}
	info, err := f.Stat()
	if err != nil || info.Mode().IsDir() {
		f.Close()
		return s.respondError(state, he.StreamID, "404", "not found")
	}
	headers := []h3.Header{
		{Name: ":status", Value: "200"},
		{Name: "server", Value: "plume"},
		{Name: "content-length", Value: strconv.FormatInt(info.Size(), 10)},
	}
	if err := state.h3.WriteHeaders(he.StreamID, headers, false); err != nil {
		f.Close()
		return err
	}
	state.responses[he.StreamID] = f
	return s.pumpResponse(c, state, he.StreamID)
}

func (s *serverHandler) respondError(state *serverConn, streamID uint64, status, msg string) error {
	headers := []h3.Header{
		{Name: ":status", Value: status},
		{Name: "server", Value: "plume"},
	}
	if err := state.h3.WriteHeaders(streamID, headers, false); err != nil {
		return err
	}
	_, err := state.h3.WriteData(streamID, []byte(msg), true)
	return err
}

// pumpResponse feeds the next body chunks into the stream, pacing reads
// against flow control so a large file is not buffered whole.
func (s *serverHandler) pumpResponse(c *plume.Conn, state *serverConn, streamID uint64) error {
	f := state.responses[streamID]
	if f == nil {
		return nil
	}
	buf := s.buf.pop()
	defer s.buf.push(buf)
	for !state.h3.StreamBlocked(streamID) {
		n, err := f.Read(buf)
		if n > 0 {
			if _, err := state.h3.WriteData(streamID, buf[:n], false); err != nil {
				f.Close()
				delete(state.responses, streamID)
				return err
			}
		}
		if err != nil {
			f.Close()
			delete(state.responses, streamID)
			if err == io.EOF {
				_, err = state.h3.WriteData(streamID, nil, true)
				return err
			}
			// Read failure mid body, terminate only this stream.
			if ts, terr := c.Transport().Stream(streamID); terr == nil {
				ts.Reset(h3.InternalError)
			}
			return nil
		}
	}
	return nil
}

// acmeHandler listens on the standard TLS port (443) and handles the
// "tls-alpn-01" challenge from Let's Encrypt.
type acmeHandler struct {
	domains  string
	cacheDir string
	ln       net.Listener
}

func (s *acmeHandler) listen(config *tls.Config) error {
	certManager := autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(strings.Split(s.domains, ",")...),
		Cache:      autocert.DirCache(s.cacheDir),
	}
	config.GetCertificate = certManager.GetCertificate
	config.NextProtos = append(config.NextProtos, acme.ALPNProto)
	listener, err := tls.Listen("tcp", ":443", config)
	if err != nil {
		return fmt.Errorf("acme listen: %v", err)
	}
	s.ln = listener
	return nil
}

func (s *acmeHandler) serve() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			logger.Error().Err(err).Msg("acme accept")
			return
		}
		conn.SetDeadline(time.Now().Add(10 * time.Second))
		err = conn.(*tls.Conn).Handshake()
		if err != nil {
			logger.Error().Err(err).Msg("acme handshake")
		}
		conn.Close()
	}
}

func (s *acmeHandler) Close() error {
	return s.ln.Close()
}
