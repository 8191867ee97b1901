package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"peopledesk.org/internal/auth"
	"peopledesk.org/internal/config"
	"peopledesk.org/internal/httpapi"
	"peopledesk.org/internal/mail"
	"peopledesk.org/internal/obs"
	"peopledesk.org/internal/store/memory"
	"peopledesk.org/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

// store is what the API process needs from either backend.
type store interface {
	auth.Store
	httpapi.Pinger
}

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (default $PEOPLEDESK_CONFIG)")
	dev := flag.Bool("dev", false, "use an in-memory store seeded with a development admin")
	flag.Parse()

	obs.Init()
	obs.InitBuildInfo(version, commit)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	var (
		st         store
		closeStore func() error
	)
	switch {
	case *dev:
		mem := memory.New()
		if err := seedDev(mem); err != nil {
			log.Fatalf("seed dev store: %v", err)
		}
		st, closeStore = mem, func() error { return nil }
	case cfg.PGDSN != "":
		db, err := pg.Open(cfg.PGDSN)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		st, closeStore = db, db.Close
	default:
		log.Fatal("no store configured: set PEOPLEDESK_PG_DSN or pass -dev")
	}

	var mailer mail.Sender = mail.LogSender{}
	if cfg.Mail.SMTPAddr != "" {
		mailer = &mail.SMTPSender{
			Addr:     cfg.Mail.SMTPAddr,
			From:     cfg.Mail.From,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
		}
	}

	svc, err := auth.NewService(st,
		auth.WithBcryptCost(cfg.Auth.BcryptCost),
		auth.WithLockout(cfg.Auth.LockoutThreshold, cfg.Auth.LockoutDuration),
		auth.WithSessionTTL(cfg.Auth.SessionTTL),
		auth.WithLinkTTL(cfg.Auth.LinkTTL),
		auth.WithStoreTimeout(cfg.Auth.StoreTimeout),
		auth.WithTicketSecret(cfg.Auth.LinkSecret),
		auth.WithEmergencySecret(cfg.Auth.EmergencySecret),
		auth.WithIssuer(cfg.Issuer),
		auth.WithBaseURL(cfg.BaseURL),
		auth.WithMailer(mailer),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	probe := httpapi.ReadyProbe{Store: st}
	api := httpapi.New(probe, version, svc,
		httpapi.WithSecureCookies(cfg.HTTP.SecureCookies),
		httpapi.WithRateLimit(cfg.HTTP.RateBurst, cfg.HTTP.RatePerSecond),
		httpapi.WithMaxBodyBytes(cfg.HTTP.MaxBodyBytes),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer()
	httpapi.NewGRPCServer(probe).Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("grpc listen: %v", err)
	}

	obs.Info("starting", map[string]any{
		"version":   version,
		"http_addr": srv.Addr,
		"grpc_addr": cfg.GRPCAddr,
		"dev":       *dev,
	})

	// graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()
	go func() {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Fatalf("grpc serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	obs.Info("shutting_down", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	grpcSrv.GracefulStop()
	if err := closeStore(); err != nil {
		obs.Warn("store_close_failed", map[string]any{"error": err})
	}
	obs.Info("stopped", nil)
}

// seedDev adds a passwordless admin that signs in by emailed link; the link is
// written to the log by LogSender.
func seedDev(mem *memory.Store) error {
	emp, err := mem.AddEmployee(auth.Employee{Email: "admin@peopledesk.local", FullName: "Development Admin"})
	if err != nil {
		return err
	}
	if _, err := mem.AddCredentials(auth.Credentials{EmployeeID: emp.ID, RequirePasswordChange: true}); err != nil {
		return err
	}
	_, err = mem.Roles().Create(context.Background(), emp.ID, auth.RoleAdmin)
	return err
}
