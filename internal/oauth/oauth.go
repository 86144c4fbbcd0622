package oauth

import (
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/gmail/v1"
	googleoauth2 "google.golang.org/api/oauth2/v2"
)

// Scopes requested from the user: read-only mail for the workflow, profile for correlation.
var Scopes = []string{
	gmail.GmailReadonlyScope,
	googleoauth2.UserinfoEmailScope,
	googleoauth2.UserinfoProfileScope,
}

// GetOAuthConfig returns the OAuth2 configuration for the Gmail connect flow
func GetOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       Scopes,
		Endpoint:     google.Endpoint,
	}
}

// GetAuthURL returns the consent URL. Offline access with forced consent makes
// Google issue a refresh token to the workflow on every connect.
func GetAuthURL(config *oauth2.Config, state string) string {
	return config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}
