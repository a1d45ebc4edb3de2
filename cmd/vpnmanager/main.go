package main

import (
	"crypto/x509/pkix"
	"flag"
	"log"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/openvpn-manager/vpnmanager/pkg/ca"
	"github.com/openvpn-manager/vpnmanager/pkg/certstore"
	"github.com/openvpn-manager/vpnmanager/pkg/config"
	"github.com/openvpn-manager/vpnmanager/pkg/issue"
	"github.com/openvpn-manager/vpnmanager/pkg/oidc"
	"github.com/openvpn-manager/vpnmanager/pkg/prettylog"
	"github.com/openvpn-manager/vpnmanager/pkg/psk"
	"github.com/openvpn-manager/vpnmanager/pkg/server"
	"github.com/openvpn-manager/vpnmanager/pkg/session"
)

func main() {
	godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	pretty := flag.Bool("pretty-log", false, "human readable log output")
	flag.Parse()

	if *pretty {
		slog.SetDefault(slog.New(prettylog.NewHandler(slog.LevelDebug)))
	} else {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}

	cfg, err := config.LoadConfigFile(*configPath)
	if err != nil {
		log.Fatal(err)
	}

	oidcClient, err := oidc.NewClient(cfg.OIDC)
	if err != nil {
		log.Fatal(err)
	}
	rp := oidc.NewRelyingParty(oidcClient, oidc.NewMemoryExchangeStore(oidc.DefaultExchangeTTL))
	slog.Info("using openid provider", "issuer", oidcClient.Issuer(), "client_id", oidcClient.ClientID())

	certs, err := certstore.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal(err)
	}
	defer certs.Close()

	psks, err := psk.NewStore(certs.DB())
	if err != nil {
		log.Fatal(err)
	}

	// TODO: back this with the external CA once its signing API is reachable
	// from this deployment; the mock CA keeps single-host setups self-contained.
	authority, err := ca.NewMockCA(pkix.Name{
		CommonName:   "OpenVPN Manager CA",
		Organization: []string{"openvpn-manager"},
	})
	if err != nil {
		log.Fatal(err)
	}

	issuer := issue.NewService(authority, certs, cfg.VPNRemoteHost, cfg.VPNRemotePort)

	srv, err := server.NewServer(
		server.WithMode(cfg.Mode, cfg.BaseURL, cfg.UserServiceURL),
		server.WithRelyingParty(rp),
		server.WithSessionStore(session.NewMemoryStore(cfg.SessionTTL)),
		server.WithCertStore(certs),
		server.WithPSKStore(psks),
		server.WithIssuer(issuer),
		server.WithAdminGroup(cfg.AdminGroup),
	)
	if err != nil {
		log.Fatal(err)
	}

	root := echo.New()
	root.HideBanner = true
	root.Use(middleware.Logger())
	srv.MountRoutes(root.Group(""))

	slog.Info("starting vpnmanager", "mode", cfg.Mode, "listen", cfg.Listen)
	if err := root.Start(cfg.Listen); err != nil {
		log.Fatal(err)
	}
}
