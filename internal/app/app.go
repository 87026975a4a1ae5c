// Package app assembles the credential store, OAuth exchange, gateway, CRM
// client and sync engine from a loaded Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/agentworkforce/relaycrm/internal/config"
	"github.com/agentworkforce/relaycrm/internal/credential"
	"github.com/agentworkforce/relaycrm/internal/crm"
	"github.com/agentworkforce/relaycrm/internal/gateway"
	"github.com/agentworkforce/relaycrm/internal/oauth"
	"github.com/agentworkforce/relaycrm/internal/syncengine"
)

type Logger interface {
	Printf(format string, args ...any)
}

type App struct {
	OAuth     oauth.Config
	Store     credential.Store
	Guard     oauth.CodeGuard
	Exchanger *oauth.Exchanger
	Gateway   *gateway.Gateway
	CRM       *crm.Client
	Engine    *syncengine.Engine

	cancel context.CancelFunc
}

// Options override the engine callbacks the caller wants to observe.
type Options struct {
	Logger     Logger
	OnProgress func(syncengine.Progress)
}

func Build(cfg config.Config, opts Options) (*App, error) {
	store, err := credential.BuildStoreFromDSN(cfg.CredentialDSN)
	if err != nil {
		return nil, fmt.Errorf("credential store: %w", err)
	}
	guard, err := oauth.BuildCodeGuardFromDSN(cfg.CodeGuardDSN, cfg.CodeGuardTTL)
	if err != nil {
		closeQuietly(store)
		return nil, fmt.Errorf("code guard: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if fileStore, ok := store.(*credential.FileStore); ok {
		if opts.Logger != nil {
			fileStore.Logger = opts.Logger
		}
		if err := fileStore.StartWatch(ctx); err != nil {
			logf(opts.Logger, "credential file watch unavailable: %v", err)
		}
	}

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	oauthCfg := oauth.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURI:  cfg.RedirectURI,
		AuthURL:      cfg.AuthURL,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
		HTTPClient:   httpClient,
	}
	gw := gateway.New(store, oauth.NewRefresher(oauthCfg), gateway.Options{
		BaseURL:    cfg.APIBase,
		APIVersion: cfg.APIVersion,
		HTTPClient: httpClient,
		Logger:     opts.Logger,
		OnTransition: func(tr gateway.Transition) {
			if tr.Event != gateway.EventCredentialLoaded {
				logf(opts.Logger, "gateway auth %s -[%s]-> %s", tr.From, tr.Event, tr.To)
			}
		},
	})
	client := crm.NewClient(gw)
	engine := syncengine.New(client, syncengine.Options{
		PageSize:       cfg.SyncPageSize,
		PageDelay:      explicitZero(cfg.SyncPageDelay),
		MaxRetries:     explicitZero(cfg.SyncMaxRetries),
		RetryBaseDelay: cfg.SyncRetryBaseDelay,
		Logger:         opts.Logger,
		OnProgress:     opts.OnProgress,
	})

	return &App{
		OAuth:     oauthCfg,
		Store:     store,
		Guard:     guard,
		Exchanger: oauth.NewExchanger(oauthCfg, store, guard, opts.Logger),
		Gateway:   gw,
		CRM:       client,
		Engine:    engine,
		cancel:    cancel,
	}, nil
}

// Exchange connects a tenant and drops any listing scope cached for it, so a
// reconnect with different install metadata takes effect on the next call.
func (a *App) Exchange(ctx context.Context, code string) (oauth.ExchangeResult, error) {
	result, err := a.Exchanger.Exchange(ctx, code)
	if err == nil && result.TenantID != "" {
		a.Gateway.ForgetTenant(result.TenantID)
	}
	return result, err
}

// Disconnect deletes the active credential and its cached listing scope. It
// returns the tenant that was removed, or credential.ErrNotFound when nothing
// is connected.
func (a *App) Disconnect(ctx context.Context) (string, error) {
	cred, err := a.Store.Latest(ctx)
	if err != nil {
		return "", err
	}
	if err := a.Store.Delete(ctx, cred.TenantID); err != nil {
		return "", fmt.Errorf("delete credential for location %s: %w", cred.TenantID, err)
	}
	a.Gateway.ForgetTenant(cred.TenantID)
	return cred.TenantID, nil
}

func (a *App) Close() error {
	if a == nil {
		return nil
	}
	if a.cancel != nil {
		a.cancel()
	}
	var errs []error
	if c, ok := a.Store.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := a.Guard.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// explicitZero maps a configured zero onto the engine's "disabled" value;
// the engine reads a zero option as "use the default".
func explicitZero[T int | time.Duration](v T) T {
	if v == 0 {
		return -1
	}
	return v
}

func closeQuietly(v any) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}

func logf(logger Logger, format string, args ...any) {
	if logger == nil {
		return
	}
	logger.Printf(format, args...)
}
