package main

import (
	"fmt"

	"mailerd/compose"
	"mailerd/delivery"
	"mailerd/internal/config"
	"mailerd/internal/dkim"
	"mailerd/storage"
	"mailerd/tlsconfig"
)

// buildTransport selects the delivery transport named by the configuration.
func buildTransport(cfg *config.Config) (delivery.Transport, error) {
	tlsConf, err := tlsconfig.ClientConfig(tlsconfig.Options{
		CAFile:   cfg.SMTP.CAFile,
		Insecure: cfg.SMTP.TLSInsecure,
	})
	if err != nil {
		return nil, err
	}

	switch name := cfg.ResolvedTransport(); name {
	case config.TransportSMTP:
		return delivery.NewRelay(cfg.SMTP.Server, cfg.SMTP.Port,
			cfg.SMTP.Username, cfg.SMTP.Password, cfg.Hostname, tlsConf), nil
	case config.TransportLocal:
		return delivery.NewLocal(cfg.SMTP.LocalHost, cfg.SMTP.Port, cfg.Hostname, tlsConf), nil
	case config.TransportMX:
		return delivery.NewMX(cfg.Hostname, tlsConf), nil
	case config.TransportFile:
		return delivery.NewFileDrop(cfg.FileDropDir), nil
	default:
		return nil, &config.Error{Key: "MAILER_TRANSPORT", Reason: fmt.Sprintf("unknown transport %q", name)}
	}
}

func (a *app) openSpool() (*storage.Spool, error) {
	return storage.Open(a.cfg.SpoolDir, a.log)
}

func (a *app) newComposer(spool *storage.Spool) (*compose.Composer, error) {
	signer, err := dkim.New(a.cfg.DKIM)
	if err != nil {
		return nil, err
	}
	return compose.New(spool, compose.Options{
		Signer:   signer,
		Hostname: a.cfg.Hostname,
		Logger:   a.log,
	}), nil
}
