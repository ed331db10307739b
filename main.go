// Tally, October 2026
// License AGPL3

package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/tally/internal/hub"
	"github.com/knadh/tally/store"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	flag "github.com/spf13/pflag"
	"golang.org/x/crypto/acme/autocert"
)

var (
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

// App is the global app context that's passed around.
type App struct {
	hub           *hub.Hub
	cfg           *hub.Config
	qrConfig      qrConfig
	createLimiter *ipLimiter
	upgrader      websocket.Upgrader
	log           zerolog.Logger
}

func loadConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order. It loads the embedded default configuration file if none is found.")
	f.Bool("new-config", false, "generate sample config file")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Generate new config.
	if ok, _ := f.GetBool("new-config"); ok {
		if err := newConfigFile(); err != nil {
			logger.Fatal().Err(err).Msg("error generating config")
		}
		logger.Info().Msg("generated config.toml. Edit and run the app.")
		os.Exit(0)
	}

	// Read the config files.
	var loaded int
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		if _, err := os.Stat(f); len(cFiles) == 1 && f == "config.toml" && os.IsNotExist(err) {
			continue
		}
		logger.Info().Str("file", f).Msg("reading config")
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			if os.IsNotExist(err) {
				logger.Fatal().Msg("config file not found. If there isn't one yet, run --new-config to generate one.")
			}
			logger.Fatal().Err(err).Msg("error loading config from file")
		}
		loaded++
	}

	// Fall back to the embedded sample configuration.
	if loaded == 0 {
		logger.Info().Msg("loading default configuration from embedded assets")
		b, err := sampleConfigBytes()
		if err != nil {
			logger.Fatal().Err(err).Msg("error reading embedded config")
		}
		if err := ko.Load(rawbytes.Provider(b), toml.Parser()); err != nil {
			logger.Fatal().Err(err).Msg("error loading default configuration file")
		}
	}

	// A .env file is optional.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warn().Err(err).Msg("error loading .env file")
	}

	// Merge env flags into config.
	if err := ko.Load(env.Provider("TALLY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "TALLY_")), "__", ".", -1)
	}), nil); err != nil {
		logger.Error().Err(err).Msg("error loading env config")
	}

	// Merge command line flags into config.
	ko.Load(posflag.Provider(f, ".", ko), nil)
}

// validateConfig reports every invalid setting at once.
func validateConfig(cfg *hub.Config, ssl sslCfg) error {
	var errs error
	if cfg.Address == "" {
		errs = multierror.Append(errs, errors.New("app.address is empty"))
	}
	if cfg.RoomGrace < 0 {
		errs = multierror.Append(errs, errors.New("app.room_grace must be >= 0"))
	}
	if cfg.WSTimeout > 0 && cfg.WSTimeout < 3*time.Second {
		errs = multierror.Append(errs, errors.New("app.websocket_timeout should be > 3s"))
	}
	if cfg.RoomIDMaxLen < 0 || cfg.MaxMessageQueue < 0 || cfg.MaxMessageLen < 0 {
		errs = multierror.Append(errs, errors.New("app.room_id_max_length, app.max_message_queue and app.max_message_length must be >= 0"))
	}
	switch cfg.Storage {
	case "memory", "redis":
	case "fs":
		if ko.String("store.path") == "" {
			errs = multierror.Append(errs, errors.New("store.path is required for fs storage"))
		}
	default:
		errs = multierror.Append(errs, errors.Errorf("app.storage must be one of redis|memory|fs, got %q", cfg.Storage))
	}

	if ssl.Enabled {
		switch ssl.Kind {
		case "auto":
		case "files":
			if ssl.Certificate == "" || ssl.PrivateKey == "" {
				errs = multierror.Append(errs, errors.New("ssl.certificate and ssl.privatekey are required for kind=files"))
			}
		case "letsencrypt":
			if len(ssl.Domains) == 0 {
				errs = multierror.Append(errs, errors.New("ssl.domains is required for kind=letsencrypt"))
			}
		default:
			errs = multierror.Append(errs, errors.Errorf("ssl.kind must be one of auto|files|letsencrypt, got %q", ssl.Kind))
		}
	}
	return errs
}

func main() {
	// Load configuration from files.
	loadConfig()

	app := &App{cfg: &hub.Config{}}
	if err := ko.Unmarshal("app", app.cfg); err != nil {
		logger.Fatal().Err(err).Msg("error unmarshalling 'app' config")
	}
	if err := ko.Unmarshal("rooms", &app.cfg.Rooms); err != nil {
		logger.Fatal().Err(err).Msg("error unmarshalling 'rooms' config")
	}
	if err := ko.Unmarshal("qr", &app.qrConfig); err != nil {
		logger.Fatal().Err(err).Msg("error unmarshalling 'qr' config")
	}
	var sslCfg sslCfg
	if err := ko.Unmarshal("ssl", &sslCfg); err != nil {
		logger.Fatal().Err(err).Msg("error unmarshalling 'ssl' config")
	}

	if lvl, err := zerolog.ParseLevel(app.cfg.LogLevel); err == nil && app.cfg.LogLevel != "" {
		logger = logger.Level(lvl)
	}
	app.log = logger

	if err := validateConfig(app.cfg, sslCfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Initialize the grant store.
	st, err := app.makeStore()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create the store instance")
	}

	app.hub = hub.NewHub(app.cfg, st, nil, logger.With().Str("component", "hub").Logger())
	app.createLimiter = newIPLimiter(app.cfg.CreateRateInterval, app.cfg.CreateRateBurst)
	app.upgrader = newUpgrader(app.cfg)

	// Setup predefined rooms.
	if err := app.loadPredefinedRooms(); err != nil {
		logger.Fatal().Err(err).Msg("error loading predefined rooms")
	}

	// Begin listening.
	ln, err := net.Listen("tcp", app.cfg.Address)
	if err != nil {
		logger.Fatal().Err(err).Str("address", app.cfg.Address).Msg("couldn't listen")
	}

	router := newRouter(app)
	srv := &http.Server{Handler: router}

	var (
		ssrv *http.Server
		sln  net.Listener
	)
	if sslCfg.Enabled {
		ssrv, sln = app.setupTLS(sslCfg, srv, router, st)
	}

	logger.Info().Str("address", ln.Addr().String()).Msg("starting server")
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("couldn't serve")
		}
	}()

	if ssrv != nil {
		logger.Info().Str("address", sln.Addr().String()).Msg("starting TLS server")
		go func() {
			var err error
			if sslCfg.Kind == "files" {
				err = ssrv.ServeTLS(sln, sslCfg.Certificate, sslCfg.PrivateKey)
			} else {
				err = ssrv.ServeTLS(sln, "", "")
			}
			if err != nil && err != http.ErrServerClosed {
				logger.Fatal().Err(err).Msg("couldn't serve TLS")
			}
		}()
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	var cFiles []string
	ko.Unmarshal("config", &cFiles)
	select {
	case <-fileWatcher(cFiles...):
	case sig := <-c:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	go func() {
		d := time.Second * 10
		<-time.After(d)
		logger.Error().Dur("elapsed", d).Msg("quitting now")
		os.Exit(1)
	}()
	shutdown(app, st, srv, ssrv)
}

// setupTLS prepares the TLS server for the configured kind. With TLS on,
// the plain server only redirects (and answers ACME challenges).
func (a *App) setupTLS(cfg sslCfg, srv *http.Server, router http.Handler, st store.Store) (*http.Server, net.Listener) {
	addr := ":443"
	if cfg.Address != "" {
		addr = cfg.Address
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		logger.Fatal().Err(err).Str("address", addr).Msg("couldn't parse address")
	}

	ssrv := &http.Server{
		Handler:      router,
		TLSNextProto: make(map[string]func(*http.Server, *tls.Conn, http.Handler)),
	}
	switch cfg.Kind {
	case "auto":
		ssrv.TLSConfig = tlsConfig(selfSigned(cfg.Domains))
		srv.Handler = handleHTTPRedirect(port, router)
	case "files":
		ssrv.TLSConfig = tlsConfig(nil)
		srv.Handler = handleHTTPRedirect(port, router)
	case "letsencrypt":
		m := &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.Domains...),
			Cache:      certCache(cfg, a.cfg.Storage, st),
			Email:      cfg.Email,
		}
		ssrv.TLSConfig = m.TLSConfig()
		srv.Handler = m.HTTPHandler(handleHTTPRedirect(port, router))
	}

	sln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal().Err(err).Str("address", addr).Msg("couldn't listen")
	}
	return ssrv, sln
}

// shutdown stops accepting requests, closes every room and flushes the
// store.
func shutdown(app *App, st store.Store, servers ...*http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, s := range servers {
		if s == nil {
			continue
		}
		if err := s.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("error shutting down server")
		}
	}

	// Websocket connections are hijacked and not covered by Shutdown.
	app.hub.Shutdown()

	if c, ok := st.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Error().Err(err).Msg("error closing store")
		}
	}
}

// fileWatcher signals when one of the config files changes.
func fileWatcher(files ...string) chan struct{} {
	out := make(chan struct{})
	if len(files) == 0 {
		return out
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize configuration file watcher")
		return out
	}
	for _, f := range files {
		if err := watcher.Add(f); err != nil {
			logger.Error().Err(err).Str("file", f).Msg("failed to watch configuration file")
		}
	}
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				logger.Info().Str("file", event.Name).Msg("configuration file was modified")
				out <- struct{}{}
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error().Err(err).Msg("watcher error")
			}
		}
	}()
	return out
}
