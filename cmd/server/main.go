// Command server runs the mDL issuing server: it owns the persistent
// issuer identity, the sqlite catalog, and the single CBOR endpoint the
// four flows ride on. Grounded on cmd/api-server/main.go for the
// Server struct shape, graceful shutdown sequence, and logging
// middleware. No CORS middleware is installed.
package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/utopia-mdl/issuing-server/internal/certs"
	"github.com/utopia-mdl/issuing-server/internal/dispatch"
	"github.com/utopia-mdl/issuing-server/internal/issuance"
	"github.com/utopia-mdl/issuing-server/internal/session"
	"github.com/utopia-mdl/issuing-server/internal/store"
)

const (
	defaultPort        = "18013"
	defaultDatabase    = "issuing-server.db"
	sessionIdleTimeout = 10 * time.Minute
	sessionSweepEvery  = time.Minute
	issuerKeyPEMType   = "EC PRIVATE KEY"
)

// Server owns the catalog store and the HTTP listener built around the
// dispatcher.
type Server struct {
	store      *store.Store
	httpServer *http.Server
	stopReaper chan struct{}
}

func NewServer(databasePath, issuerKeyPath string, resetWithTestData bool) (*Server, error) {
	if resetWithTestData {
		if err := os.Remove(databasePath); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}
	st, err := store.Open(databasePath)
	if err != nil {
		return nil, err
	}
	if resetWithTestData {
		if err := st.SeedTestData(nil, nil); err != nil {
			st.Close()
			return nil, err
		}
	}

	issuerKey, err := loadOrGenerateIssuerKey(issuerKeyPath)
	if err != nil {
		st.Close()
		return nil, err
	}
	issuerCert, err := certs.NewIssuerCertificate(&issuerKey.PublicKey, issuerKey)
	if err != nil {
		st.Close()
		return nil, err
	}

	registry := session.NewRegistry(sessionIdleTimeout)
	stop := make(chan struct{})
	registry.RunIdleReaper(sessionSweepEvery, stop)

	d := &dispatch.Dispatcher{
		Flows: &issuance.Flows{
			Store:      st,
			IssuerKey:  issuerKey,
			IssuerCert: issuerCert,
		},
		Sessions: registry,
		Logger:   log.Default(),
	}

	mux := http.NewServeMux()
	mux.Handle("/", d)

	return &Server{
		store:      st,
		stopReaper: stop,
		httpServer: &http.Server{
			Handler:      loggingMiddleware(mux),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}, nil
}

func (s *Server) Start(addr string) error {
	s.httpServer.Addr = addr
	log.Printf("mdl issuing server listening on %s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("shutting down server...")
	close(s.stopReaper)
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	return s.store.Close()
}

// loadOrGenerateIssuerKey reads an EC private key PEM file at path, or
// generates a fresh P-256 key and writes it there if path is non-empty
// and nothing exists yet. An empty path always generates a throwaway
// key, matching the fix in spec.md §9 item 5: one persistent keypair
// for the server's lifetime rather than one per request.
func loadOrGenerateIssuerKey(path string) (*ecdsa.PrivateKey, error) {
	if path == "" {
		return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	}
	if data, err := os.ReadFile(path); err == nil {
		block, _ := pem.Decode(data)
		if block == nil {
			return nil, os.ErrInvalid
		}
		return x509.ParseECPrivateKey(block.Bytes)
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: issuerKeyPEMType, Bytes: der})
	if err := os.WriteFile(path, pemBytes, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.RequestURI, time.Since(start))
	})
}

func main() {
	port := flag.String("port", envOr("PORT", defaultPort), "port to listen on")
	database := flag.String("database", envOr("DATABASE_PATH", defaultDatabase), "path to the sqlite catalog database")
	issuerKeyPath := flag.String("issuer-key", envOr("ISSUER_KEY_PATH", ""), "path to a PEM-encoded EC issuer key; generated and persisted there if absent")
	resetWithTestData := flag.Bool("reset-with-testdata", false, "delete the catalog database and re-seed it with the Erika Mustermann / John Doe fixtures on startup")
	flag.Parse()

	srv, err := NewServer(*database, *issuerKeyPath, *resetWithTestData)
	if err != nil {
		log.Fatalf("failed to start server: %v", err)
	}

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
	}()

	if err := srv.Start(":" + *port); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed to start: %v", err)
	}
	log.Println("server stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
