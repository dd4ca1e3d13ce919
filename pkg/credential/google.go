package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2/google"
)

const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// GoogleSource mints access tokens from Application Default Credentials.
// A service-account key file named by GOOGLE_APPLICATION_CREDENTIALS takes
// precedence over the ambient gcloud CLI session (standard ADC order).
// Credentials are looked up per acquisition so a renewal always produces a
// freshly minted token rather than a cached one.
type GoogleSource struct{}

func (GoogleSource) Acquire(ctx context.Context) (Credential, error) {
	creds, err := google.FindDefaultCredentials(ctx, cloudPlatformScope)
	if err != nil {
		return Credential{}, fmt.Errorf("locate google credentials: %w", err)
	}
	tok, err := creds.TokenSource.Token()
	if err != nil {
		return Credential{}, fmt.Errorf("mint access token: %w", err)
	}
	expiresAt := tok.Expiry.UTC()
	if tok.Expiry.IsZero() {
		// Some credential flavors report no expiry; treat them as hourly.
		expiresAt = time.Now().Add(time.Hour).UTC()
	}
	return Credential{Token: tok.AccessToken, ExpiresAt: expiresAt}, nil
}

// ProjectID resolves the Google Cloud project the bridge bills against.
func (GoogleSource) ProjectID(ctx context.Context) (string, error) {
	if p := os.Getenv("GOOGLE_CLOUD_PROJECT"); p != "" {
		return p, nil
	}
	creds, err := google.FindDefaultCredentials(ctx, cloudPlatformScope)
	if err != nil {
		return "", fmt.Errorf("locate google credentials: %w", err)
	}
	if creds.ProjectID == "" {
		return "", errors.New("project ID not found, set up gcloud authentication or set GOOGLE_CLOUD_PROJECT")
	}
	return creds.ProjectID, nil
}
