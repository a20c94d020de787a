package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/fleetops-session/internal/config"
	"github.com/jrsteele09/fleetops-session/internal/logging"
	"github.com/jrsteele09/fleetops-session/server"
	"github.com/jrsteele09/fleetops-session/server/loginsession"
	tenantrepofakes "github.com/jrsteele09/fleetops-session/tenants/repofakes"
	"github.com/jrsteele09/fleetops-session/token"
	fakeuserrepo "github.com/jrsteele09/fleetops-session/users/repofake"
	"github.com/rs/zerolog/log"
)

const cleanupInterval = 5 * time.Minute

func main() {
	for {
		if err := run(); err != nil {
			log.Error().Err(err).Msg("Error running server")
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Info().Msg("Server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("Recovered from panic")
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	logging.Setup(c.GetEnv())
	displayAppname(c.GetAppName())

	handler, err := newServer(c)
	if err != nil {
		return err
	}
	if err := handler.SeedDemoAccount(c); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go cleanupSessions(ctx, handler)

	httpServer := &http.Server{Addr: c.GetPort(), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- listenAndServe(httpServer) }()

	select {
	case err := <-errCh:
		return err
	case <-waitForStopSignal():
	}
	return shutdown(httpServer)
}

func newServer(c config.Config) (*server.Server, error) {
	secret := c.GetTokenSecret()
	if secret == "" {
		secret = randomSecret()
		log.Warn().Msg("TOKEN_SECRET not set, using a generated secret; tokens will not survive a restart")
	}
	signer, err := token.NewHMACSigner(secret)
	if err != nil {
		return nil, err
	}
	tokens, err := token.New(signer,
		token.WithIssuer(c.GetTokenIssuer()),
		token.WithTokenExpiry(c.GetTokenExpiry()),
	)
	if err != nil {
		return nil, err
	}

	repos := server.Repos{
		Users:    fakeuserrepo.NewFakeUserRepo(),
		Tenants:  tenantrepofakes.NewFakeTenantRepo(),
		Sessions: loginsession.NewInMemoryLoginSessionRepo(),
	}
	return server.New(c, repos, tokens)
}

func cleanupSessions(ctx context.Context, s *server.Server) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CleanupExpiredSessions(); err != nil {
				log.Warn().Err(err).Msg("session cleanup failed")
			}
		}
	}
}

func listenAndServe(server *http.Server) error {
	log.Info().Msgf("Server listening on %s", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server.ListenAndServe %w", err)
	}
	return nil
}

func waitForStopSignal() <-chan os.Signal {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	return stop
}

func shutdown(server *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func randomSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
