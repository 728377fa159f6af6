package main

import (
	"bufio"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/plumeq/plume"
	"github.com/plumeq/plume/transport"
)

type datagramCommand struct{}

func (datagramCommand) Name() string {
	return "datagram"
}

func (datagramCommand) Desc() string {
	return "send or receive datagrams over QUIC."
}

func (datagramCommand) Run(args []string) error {
	cmd := flag.NewFlagSet("datagram", flag.ExitOnError)
	listenAddr := cmd.String("listen", "0.0.0.0:0", "listen on the given IP:port")
	insecure := cmd.Bool("insecure", false, "skip verifying server certificate (client only)")
	certFile := cmd.String("cert", "cert.pem", "TLS certificate path (server only)")
	keyFile := cmd.String("key", "key.pem", "TLS certificate key path (server only)")
	logLevel := cmd.Int("v", 2, "log verbose: 0=off 1=error 2=info 3=debug 4=trace")
	data := cmd.String("data", "", "datagram for sending (or from stdin if empty)")
	cmd.Usage = func() {
		fmt.Fprintln(cmd.Output(), "Usage: plume datagram [arguments] [url]")
		cmd.PrintDefaults()
	}
	cmd.Parse(args)

	addr := cmd.Arg(0)
	config := newTransportConfig()
	config.Params.MaxDatagramFramePayloadSize = 1024
	// Disable streams
	config.Params.InitialMaxStreamDataBidiLocal = 0
	config.Params.InitialMaxStreamDataBidiRemote = 0
	config.Params.InitialMaxStreamDataUni = 0
	config.Params.InitialMaxStreamsBidi = 0
	config.Params.InitialMaxStreamsUni = 0

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGQUIT)

	if addr == "" {
		// Server mode
		if *certFile != "" {
			cert, err := tls.LoadX509KeyPair(*certFile, *keyFile)
			if err != nil {
				return err
			}
			config.TLS.Certificates = []tls.Certificate{cert}
		}
		server := plume.NewServer(config)
		server.SetLogger(*logLevel, os.Stderr)
		server.SetHandler(&datagramServerHandler{})
		go func() {
			<-sigCh
			server.Close()
		}()
		return server.ListenAndServe(*listenAddr)
	}
	// Client mode
	addrURL, err := parseURL(addr)
	if err != nil {
		return err
	}
	config.TLS.ServerName = addrURL.Hostname()
	config.TLS.InsecureSkipVerify = *insecure
	client := plume.NewClient(config)
	client.SetLogger(*logLevel, os.Stderr)
	clientHandler := &datagramClientHandler{
		data:  *data,
		close: make(chan struct{}),
	}
	client.SetHandler(clientHandler)
	if err := client.ListenAndServe(*listenAddr); err != nil {
		return err
	}
	if err := client.Connect(canonicalAddr(addrURL)); err != nil {
		return err
	}
	select {
	case <-sigCh:
	case <-clientHandler.close:
	}
	return client.Close()
}

type datagramClientHandler struct {
	data  string
	close chan struct{}
}

func (s *datagramClientHandler) Serve(c *plume.Conn, events []transport.Event) {
	for _, e := range events {
		switch e.Type {
		case transport.EventDatagramWritable:
			go s.send(c.Datagram())
		case transport.EventDatagramReadable:
			go s.recv(c.Datagram())
		case transport.EventConnClosed:
			close(s.close)
			return
		}
	}
}

// send writes the -data payload, then each line from stdin as one
// datagram.
func (s *datagramClientHandler) send(dgram *plume.Datagram) {
	if len(s.data) > 0 {
		_, err := dgram.Write([]byte(s.data))
		if err != nil {
			return
		}
	}
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		b := scanner.Bytes()
		if len(b) > 0 {
			_, err := dgram.Write(b)
			if err != nil {
				return
			}
		}
	}
}

func (s *datagramClientHandler) recv(dgram *plume.Datagram) {
	b := make([]byte, 1024)
	n, err := dgram.Read(b)
	if err != nil {
		return
	}
	fmt.Fprintf(os.Stdout, "recv: %s\n", b[:n])
}

type datagramServerHandler struct{}

func (s *datagramServerHandler) Serve(c *plume.Conn, events []transport.Event) {
	for _, e := range events {
		switch e.Type {
		case transport.EventDatagramReadable:
			go s.echo(c.Datagram())
		}
	}
}

// echo sends each received datagram back.
func (s *datagramServerHandler) echo(dgram *plume.Datagram) {
	b := make([]byte, 1024)
	n, err := dgram.Read(b)
	if err != nil || n == 0 {
		return
	}
	dgram.Write(b[:n])
}
