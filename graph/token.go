package graph

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"inbox-triage/config"
)

const defaultScope = "https://graph.microsoft.com/.default"

// NewTokenSource builds an oauth2 token source for Microsoft Graph.
//
// In "app" mode it uses the client-credentials grant and never blocks. In
// "delegated" mode it runs the device-code flow, which blocks exactly once
// while the user completes sign-in at the printed URL; afterwards tokens are
// served from cache and refreshed in the background before expiry.
func NewTokenSource(ctx context.Context, cfg config.Graph, logger *slog.Logger) (oauth2.TokenSource, error) {
	authority := "https://login.microsoftonline.com/" + cfg.TenantID

	if cfg.AuthMode == "app" {
		logger.Info("Using client credentials token source", "tenant", cfg.TenantID)
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     authority + "/oauth2/v2.0/token",
			Scopes:       []string{defaultScope},
		}
		return cc.TokenSource(ctx), nil
	}

	// Delegated mode: device code flow.
	oc := &oauth2.Config{
		ClientID: cfg.ClientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:       authority + "/oauth2/v2.0/authorize",
			TokenURL:      authority + "/oauth2/v2.0/token",
			DeviceAuthURL: authority + "/oauth2/v2.0/devicecode",
		},
		Scopes: []string{"Mail.Read", "offline_access"},
	}

	logger.Info("No cached credential, initiating device code flow")
	resp, err := oc.DeviceAuth(ctx)
	if err != nil {
		return nil, &AuthError{Op: "device auth", Err: err}
	}

	fmt.Fprintf(os.Stderr, "\n--- INTERACTIVE LOGIN REQUIRED ---\n")
	fmt.Fprintf(os.Stderr, "1. Go to: %s\n", resp.VerificationURI)
	fmt.Fprintf(os.Stderr, "2. Enter code: %s\n", resp.UserCode)
	fmt.Fprintf(os.Stderr, "----------------------------------\n\n")

	tok, err := oc.DeviceAccessToken(ctx, resp)
	if err != nil {
		return nil, &AuthError{Op: "device token exchange", Err: err}
	}

	logger.Info("Access token acquired", "expires", tok.Expiry)
	return oauth2.ReuseTokenSource(tok, oc.TokenSource(ctx, tok)), nil
}
