package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/access/controller"
	"github.com/m-lab/access/token"
	"github.com/m-lab/bloat/internal/netx"
	"github.com/m-lab/bloat/internal/origin"
	"github.com/m-lab/bloat/pkg/bloat1/spec"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"
)

var (
	flagCertFile          = flag.String("cert", "", "The file with server certificates in PEM format.")
	flagKeyFile           = flag.String("key", "", "The file with server key in PEM format.")
	flagEndpoint          = flag.String("https_addr", ":4443", "Listen address/port for TLS connections")
	flagEndpointCleartext = flag.String("http_addr", ":8080", "Listen address/port for cleartext connections")
	flagDataDir           = flag.String("datadir", "./data", "Directory to store data in")
	flagSessionTTL        = flag.Duration("sessions.ttl", time.Minute, "Idle time after which a session is archived")
	tokenVerifyKey        = flagx.FileBytesArray{}
	tokenVerify           bool
	tokenMachine          string

	// Context for the whole program.
	ctx, cancel = context.WithCancel(context.Background())
)

func init() {
	flag.Var(&tokenVerifyKey, "token.verify-key", "Public key for verifying access tokens")
	flag.BoolVar(&tokenVerify, "token.verify", false, "Verify access tokens")
	flag.StringVar(&tokenMachine, "token.machine", "", "Use given machine name to verify token claims")
}

// httpServer creates a new *http.Server with explicit Read and Write
// timeouts, the provided address and handler, and an empty TLS
// configuration.
//
// This server can only be used with a net.Listener that returns netx.Conn
// after accepting a new connection: handlers rely on the connection being
// reachable through the request context.
func httpServer(addr string, handler http.Handler) *http.Server {
	tlsconf := &tls.Config{}
	return &http.Server{
		Addr:      addr,
		Handler:   handler,
		TLSConfig: tlsconf,
		// NOTE: set absolute read and write timeouts for server
		// connections. This prevents clients, or middleboxes, from opening
		// a connection and holding it open indefinitely. Downloads are
		// client-aborted well before the write timeout.
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return netx.SaveToContext(ctx, c)
		},
	}
}

func main() {
	flag.Parse()

	// Initialize logging and metrics.
	log.SetReportCaller(true)
	log.SetReportTimestamp(true)
	log.SetLevel(log.DebugLevel)

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	v, err := token.NewVerifier(tokenVerifyKey.Get()...)
	if tokenVerify && err != nil {
		rtx.Must(err, "Failed to load verifier")
	}
	// Enforce tokens on uploads and downloads. The ping endpoint stays
	// open: it must never be rate-limited relative to load traffic.
	loadTxPaths := controller.Paths{
		spec.DownloadPath: true,
		spec.UploadPath:   true,
	}
	loadTokenPaths := controller.Paths{
		spec.DownloadPath: true,
		spec.UploadPath:   true,
	}
	acm, _ := controller.Setup(ctx, v, tokenVerify, tokenMachine,
		loadTxPaths, loadTokenPaths)

	handler := origin.New(*flagDataDir, *flagSessionTTL)
	defer handler.Stop()
	mux := http.NewServeMux()
	mux.Handle(spec.PingPath, http.HandlerFunc(handler.Ping))
	mux.Handle(spec.DownloadPath, http.HandlerFunc(handler.Download))
	mux.Handle(spec.UploadPath, http.HandlerFunc(handler.Upload))

	serverCleartext := httpServer(*flagEndpointCleartext, acm.Then(mux))
	log.Info("About to listen for cleartext tests", "endpoint", *flagEndpointCleartext)

	tcpl, err := net.Listen("tcp", serverCleartext.Addr)
	rtx.Must(err, "failed to create listener")
	l := netx.NewListener(tcpl.(*net.TCPListener))
	defer l.Close()

	go func() {
		err := serverCleartext.Serve(l)
		rtx.Must(err, "Could not start cleartext server")
		defer serverCleartext.Close()
	}()

	// Only start TLS-based services if certs and keys are provided.
	if *flagCertFile != "" && *flagKeyFile != "" {
		server := httpServer(*flagEndpoint, acm.Then(mux))
		log.Info("About to listen for TLS tests", "endpoint", *flagEndpoint)

		tcpl, err := net.Listen("tcp", server.Addr)
		rtx.Must(err, "failed to create listener")
		l := netx.NewListener(tcpl.(*net.TCPListener))
		defer l.Close()

		go func() {
			err := server.ServeTLS(l, *flagCertFile, *flagKeyFile)
			rtx.Must(err, "Could not start TLS server")
			defer server.Close()
		}()
	}

	<-ctx.Done()
	cancel()
}
