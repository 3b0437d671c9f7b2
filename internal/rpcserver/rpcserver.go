// Package rpcserver is the JSON-RPC 2.0 HTTPS frontend: HTTP Basic Auth
// backed by the tarpit lockout, envelope parsing, method dispatch under the
// process-wide serializer, and typed-error-to-JSON-RPC-error mapping.
package rpcserver

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/open-iscsi/targetd/internal/block"
	"github.com/open-iscsi/targetd/internal/config"
	"github.com/open-iscsi/targetd/internal/fsorch"
	"github.com/open-iscsi/targetd/internal/rpcerr"
	"github.com/open-iscsi/targetd/internal/tarpit"
)

// maxBodyBytes bounds a JSON-RPC request body.
const maxBodyBytes = 128 * 1024

// Service is the RPC frontend: it owns the listener, the dispatch table and
// the tarpit/serializer that guard every call into the orchestration layer.
type Service struct {
	cfg   *config.Config
	block *block.Orchestrator
	fs    *fsorch.Orchestrator

	tar    *tarpit.Tar
	serial *tarpit.Serializer

	methods map[string]handlerFunc

	log *logrus.Entry
	srv *http.Server
}

// New builds a Service dispatching onto blockOrch and fsOrch.
func New(cfg *config.Config, blockOrch *block.Orchestrator, fsOrch *fsorch.Orchestrator) *Service {
	s := &Service{
		cfg:    cfg,
		block:  blockOrch,
		fs:     fsOrch,
		tar:    tarpit.New(),
		serial: tarpit.NewSerializer(),
		log:    logrus.WithField("component", "rpcserver"),
	}
	s.methods = s.buildDispatchTable()
	return s
}

// Run starts the HTTP(S) listener and blocks until ctx is canceled or the
// server fails. On cancel it drains the in-flight request (if any; the
// process-wide mutex guarantees at most one) before returning.
func (s *Service) Run(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/targetrpc", s.handleRPC)

	s.srv = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	if s.cfg.SSL {
		s.log.WithField("addr", addr).Info("starting HTTPS listener")
	} else {
		s.log.WithField("addr", addr).Info("starting HTTP listener")
	}

	var eg errgroup.Group
	eg.Go(func() error {
		<-ctx.Done()
		s.log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	})
	eg.Go(func() error {
		var serveErr error
		if s.cfg.SSL {
			serveErr = s.srv.ServeTLS(ln, s.cfg.SSLCert, s.cfg.SSLKey)
		} else {
			serveErr = s.srv.Serve(ln)
		}
		if errors.Is(serveErr, http.ErrServerClosed) {
			return nil
		}
		return serveErr
	})

	return eg.Wait()
}

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	ID      json.RawMessage `json:"id"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	Result  interface{} `json:"result,omitempty"`
	Error   *rpcError   `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
	JSONRPC string      `json:"jsonrpc"`
}

func clientID(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Service) handleRPC(w http.ResponseWriter, r *http.Request) {
	// The body-size cap is enforced before any other check: an oversized
	// request is rejected regardless of path, method, lockout state, or
	// credentials.
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if len(body) > maxBodyBytes {
		http.Error(w, "request too large", http.StatusRequestEntityTooLarge)
		return
	}

	if r.URL.Path != "/targetrpc" {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	cid := clientID(r)
	if s.tar.IsStuck(cid) {
		http.Error(w, "locked out", http.StatusServiceUnavailable)
		return
	}

	if !s.checkAuth(r) {
		s.tar.Punish(cid)
		w.Header().Set("WWW-Authenticate", `Basic realm="targetd"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var env envelope
	idNum := json.RawMessage("0")
	var rerr *rpcError

	if jsonErr := json.Unmarshal(body, &env); jsonErr != nil {
		rerr = &rpcError{Code: rpcerr.ParseError, Message: "parse error"}
	} else {
		idNum = env.ID
		if env.JSONRPC != "2.0" || env.Method == "" {
			rerr = &rpcError{Code: rpcerr.InvalidRequest, Message: "not a valid jsonrpc-2.0 request"}
		}
	}

	var result interface{}
	if rerr == nil {
		result, rerr = s.dispatch(env.Method, env.Params)
	}

	resp := response{ID: idNum, JSONRPC: "2.0"}
	if rerr != nil {
		resp.Error = rerr
	} else {
		resp.Result = result
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Service) dispatch(method string, params json.RawMessage) (interface{}, *rpcError) {
	fn, ok := s.methods[method]
	if !ok {
		return nil, &rpcError{Code: rpcerr.MethodNotFound, Message: fmt.Sprintf("method %s not found", method)}
	}

	out, err := s.serial.Do(func() (interface{}, error) {
		return fn(params)
	})
	if err == nil {
		return out, nil
	}

	if te, ok := rpcerr.As(err); ok {
		return nil, &rpcError{Code: te.Code, Message: te.Message}
	}
	return nil, &rpcError{Code: rpcerr.Invalid, Message: err.Error()}
}

func (s *Service) checkAuth(r *http.Request) bool {
	hdr := r.Header.Get("Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(hdr, prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(hdr[len(prefix):])
	if err != nil {
		return false
	}
	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(parts[0]), []byte(s.cfg.User)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.cfg.Password)) == 1
	return userOK && passOK
}
