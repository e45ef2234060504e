package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	ntlmssp "github.com/Azure/go-ntlmssp"
	"github.com/icholy/digest"

	"github.com/sirosfoundation/go-as2/pkg/fault"
	"github.com/sirosfoundation/go-as2/pkg/header"
	"github.com/sirosfoundation/go-as2/pkg/partner"
)

// TLS version constants
const (
	TLS12 = tls.VersionTLS12
	TLS13 = tls.VersionTLS13
)

// Defaults for outbound transmissions.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxRedirects = 10
)

// Recommended TLS 1.2 cipher suites
var RecommendedTLS12CipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
}

// ErrNegotiateUnsupported is returned for partners configured with
// negotiate (SPNEGO) authentication.
var ErrNegotiateUnsupported = fault.New(fault.Configuration, "negotiate authentication is not supported")

// HTTPSConfig contains HTTPS client/server configuration
type HTTPSConfig struct {
	MinTLSVersion      uint16
	MaxTLSVersion      uint16
	CipherSuites       []uint16
	ClientAuth         tls.ClientAuthType
	Certificates       []tls.Certificate
	RootCAs            *x509.CertPool
	ClientCAs          *x509.CertPool
	InsecureSkipVerify bool

	// LocalAddr is the source IP outbound connections bind to.
	LocalAddr string

	Timeout         time.Duration
	IdleConnTimeout time.Duration
	MaxRedirects    int
}

// DefaultHTTPSConfig returns a default HTTPS configuration
func DefaultHTTPSConfig() *HTTPSConfig {
	return &HTTPSConfig{
		MinTLSVersion:   TLS12,
		MaxTLSVersion:   TLS13,
		CipherSuites:    RecommendedTLS12CipherSuites,
		ClientAuth:      tls.NoClientCert,
		Timeout:         DefaultTimeout,
		IdleConnTimeout: 90 * time.Second,
		MaxRedirects:    DefaultMaxRedirects,
	}
}

func (c *HTTPSConfig) tlsConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         c.MinTLSVersion,
		MaxVersion:         c.MaxTLSVersion,
		CipherSuites:       c.CipherSuites,
		Certificates:       c.Certificates,
		RootCAs:            c.RootCAs,
		ClientCAs:          c.ClientCAs,
		ClientAuth:         c.ClientAuth,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}
}

// Request is an outbound AS2 POST.
type Request struct {
	URL     string
	Headers *header.Collection
	Body    []byte
	Auth    partner.Authentication
}

// Result is the outcome of a POST.
type Result struct {
	StatusCode int
	// Hops holds the response headers of every redirect followed, with the
	// final response last.
	Hops   []http.Header
	Header http.Header
	Body   []byte
}

// Headers returns the final response headers as a collection.
func (r *Result) Headers() *header.Collection {
	return header.FromHTTP(r.Header)
}

// HTTPSClient posts AS2 transmissions over HTTP(S)
type HTTPSClient struct {
	config *HTTPSConfig
	// transport never reuses connections; session keeps them alive for
	// connection-oriented handshakes such as NTLM.
	transport *http.Transport
	session   *http.Transport
}

// NewHTTPSClient creates a new HTTPS client
func NewHTTPSClient(config *HTTPSConfig) (*HTTPSClient, error) {
	if config == nil {
		config = DefaultHTTPSConfig()
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.MaxRedirects == 0 {
		config.MaxRedirects = DefaultMaxRedirects
	}

	dialer := &net.Dialer{Timeout: config.Timeout}
	if config.LocalAddr != "" {
		ip := net.ParseIP(config.LocalAddr)
		if ip == nil {
			return nil, fault.Newf(fault.Configuration, "invalid local address %q", config.LocalAddr)
		}
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	}

	newTransport := func(keepAlive bool) *http.Transport {
		return &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			DialContext:         dialer.DialContext,
			TLSClientConfig:     config.tlsConfig(),
			IdleConnTimeout:     config.IdleConnTimeout,
			DisableKeepAlives:   !keepAlive,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
		}
	}

	return &HTTPSClient{
		config:    config,
		transport: newTransport(false),
		session:   newTransport(true),
	}, nil
}

// Post sends req and returns the response. A final status other than 200
// returns the Result together with a Delivery fault.
func (c *HTTPSClient) Post(ctx context.Context, req Request) (*Result, error) {
	if req.URL == "" {
		return nil, fault.New(fault.Configuration, "no destination url")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, fault.Wrap(fault.Configuration, err, "failed to create request")
	}
	if req.Headers != nil {
		req.Headers.WriteTo(httpReq.Header)
	}

	var rt http.RoundTripper = c.transport
	switch req.Auth.Method {
	case "", partner.AuthNone:
	case partner.AuthAny, partner.AuthBasic:
		httpReq.SetBasicAuth(req.Auth.Username, req.Auth.Password)
	case partner.AuthDigest:
		rt = &digest.Transport{
			Username:  req.Auth.Username,
			Password:  req.Auth.Password,
			Transport: c.transport,
		}
	case partner.AuthNTLM:
		httpReq.SetBasicAuth(req.Auth.Username, req.Auth.Password)
		rt = ntlmssp.Negotiator{RoundTripper: c.session}
	case partner.AuthNegotiate:
		return nil, ErrNegotiateUnsupported
	default:
		return nil, fault.Newf(fault.Configuration, "unknown authentication method %q", req.Auth.Method)
	}

	result := &Result{}
	client := &http.Client{
		Transport: rt,
		Timeout:   c.config.Timeout,
		CheckRedirect: func(next *http.Request, via []*http.Request) error {
			if next.Response != nil {
				result.Hops = append(result.Hops, next.Response.Header.Clone())
			}
			if len(via) >= c.config.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", c.config.MaxRedirects)
			}
			return nil
		},
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fault.Wrap(fault.Delivery, err, "failed to send request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.Delivery, err, "failed to read response")
	}
	result.StatusCode = resp.StatusCode
	result.Header = resp.Header
	result.Hops = append(result.Hops, resp.Header.Clone())
	result.Body = body

	if resp.StatusCode != http.StatusOK {
		return result, fault.Newf(fault.Delivery, "unexpected status code %d: %s", resp.StatusCode, firstLine(body))
	}
	return result, nil
}

func firstLine(b []byte) string {
	s := bufio.NewScanner(bytes.NewReader(b))
	if s.Scan() {
		return strings.TrimSpace(s.Text())
	}
	return ""
}

// HTTPSServer serves the AS2 endpoint and its companion routes.
type HTTPSServer struct {
	server *http.Server
	config *HTTPSConfig
}

// NewHTTPSServer creates a new server for handler.
func NewHTTPSServer(addr string, config *HTTPSConfig, handler http.Handler) *HTTPSServer {
	if config == nil {
		config = DefaultHTTPSConfig()
	}
	return &HTTPSServer{
		config: config,
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			TLSConfig:         config.tlsConfig(),
			ReadHeaderTimeout: config.Timeout,
			ReadTimeout:       config.Timeout,
			WriteTimeout:      config.Timeout,
			IdleTimeout:       config.IdleConnTimeout,
		},
	}
}

// Start listens until Shutdown. TLS is used when certificates are
// configured.
func (s *HTTPSServer) Start() error {
	var err error
	if len(s.config.Certificates) > 0 {
		err = s.server.ListenAndServeTLS("", "")
	} else {
		err = s.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server
func (s *HTTPSServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
