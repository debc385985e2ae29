// Command idbrokerd runs the identity broker: it loads configuration,
// wires the store, mailer, provider registry, and signing keyring into an
// authflow.Flow, and serves the broker's HTTP surface until a termination
// signal arrives.
//
// Grounded on the teacher's cmd/ entrypoints (flag parsing, WithPhusLogger
// wiring) and server/server.go's Daemon-managed Run loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	idbroker "github.com/caasmo/idbroker"
	"github.com/caasmo/idbroker/abuse"
	"github.com/caasmo/idbroker/authflow"
	"github.com/caasmo/idbroker/brokerconfig"
	"github.com/caasmo/idbroker/brokerhttp"
	"github.com/caasmo/idbroker/emailloop"
	"github.com/caasmo/idbroker/fetchcache"
	"github.com/caasmo/idbroker/keyring"
	"github.com/caasmo/idbroker/mailer"
	"github.com/caasmo/idbroker/oidcbridge"
	"github.com/caasmo/idbroker/provider"
	"github.com/caasmo/idbroker/router"
	"github.com/caasmo/idbroker/server"
	"github.com/caasmo/idbroker/store"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (embedded defaults used if empty)")
	textLog := flag.Bool("text-log", false, "log in plain text instead of JSON")
	flag.Parse()

	var logger *slog.Logger
	if *textLog {
		logger = idbroker.NewTextLogger(nil)
	} else {
		logger = idbroker.NewJSONLogger(nil)
	}
	slog.SetDefault(logger)

	cfg, err := brokerconfig.Load(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	app, err := build(cfg, logger)
	if err != nil {
		logger.Error("build broker", "error", err)
		os.Exit(1)
	}

	app.srv.AddDaemon(app.abuseLogger)
	app.srv.Run()
}

type broker struct {
	srv         *server.Server
	abuseLogger *abuseLogDaemon
}

func build(cfg *brokerconfig.Config, logger *slog.Logger) (*broker, error) {
	ring, err := keyring.LoadFiles(cfg.Keyfiles)
	if err != nil {
		return nil, fmt.Errorf("load keyring: %w", err)
	}

	st, err := buildStore(cfg.StoreURL)
	if err != nil {
		return nil, fmt.Errorf("build store: %w", err)
	}

	mlr := mailer.NewSMTP(mailer.SMTPConfig{
		Host:        cfg.Smtp.Host,
		Port:        cfg.Smtp.Port,
		Username:    cfg.Smtp.Username,
		Password:    cfg.Smtp.Password,
		FromName:    cfg.FromName,
		FromAddress: cfg.FromAddress,
		LocalName:   cfg.Smtp.LocalName,
		AuthMethod:  cfg.Smtp.AuthMethod,
		UseTLS:      cfg.Smtp.UseTLS,
		UseStartTLS: cfg.Smtp.UseStartTLS,
	})

	fetcher := fetchcache.New(&http.Client{Timeout: cfg.FetchTimeout.Duration}, st, cfg.CacheTTL.Duration, cfg.NegativeCacheTTL.Duration, int64(cfg.CacheMaxDocSize))

	providers := make(map[string]provider.Provider, len(cfg.Providers))
	for domain, p := range cfg.Providers {
		providers[domain] = provider.Provider{
			Domain:       domain,
			ClientID:     p.ClientID,
			Secret:       p.Secret,
			DiscoveryURL: p.DiscoveryURL,
			IssuerDomain: p.IssuerDomain,
		}
	}
	registry := provider.New(providers, fetcher)

	bridge := oidcbridge.New(registry, st, cfg.Server.PublicURL, cfg.FetchTimeout.Duration)
	loop := emailloop.New(st, mlr, cfg.DNSServer, cfg.Server.PublicURL, cfg.FetchTimeout.Duration)
	abuseMonitor := abuse.New(abuse.DefaultParams())

	flow := authflow.New(registry, bridge, loop, st, ring, abuseMonitor, cfg.Server.PublicURL,
		cfg.SessionTTL.Duration, cfg.TokenTTL.Duration, cfg.RatelimitPerEmail.Duration.Duration, int64(cfg.RatelimitPerEmail.Count))

	handlers := brokerhttp.New(flow, ring, cfg.Server.PublicURL, logger, renderEmailBody)

	r := router.New()
	handlers.Mount(r)

	srv := server.NewServer(cfg.Server, handlers.Handler(r), logger)

	return &broker{
		srv:         srv,
		abuseLogger: newAbuseLogDaemon(abuseMonitor, logger, time.Minute),
	}, nil
}

func buildStore(storeURL string) (store.Store, error) {
	if strings.HasPrefix(storeURL, "redis://") || strings.HasPrefix(storeURL, "rediss://") {
		return store.NewRedisStore(context.Background(), storeURL)
	}
	return store.NewMemoryStore(), nil
}

// renderEmailBody is the one-time-code mail's copy. Kept deliberately
// plain; the confirmation page itself (not this mail) carries styling.
func renderEmailBody(link, code, clientID string) (html, text string) {
	html = fmt.Sprintf(`<p>Enter the code <strong>%s</strong> to finish logging in to %s, or follow <a href="%s">this link</a>.</p>`, code, clientID, link)
	text = fmt.Sprintf("Enter the code %s to finish logging in to %s, or open: %s", code, clientID, link)
	return html, text
}
