// Package gcpauth turns the service-account fields held in the callbridge
// configuration into Google Cloud client options.
//
// The Dialogflow and Text-to-Speech providers both authenticate with the same
// service account. Rather than requiring a key file on disk, the email and
// private key are taken from configuration and assembled into the
// service-account JSON the Google client libraries expect.
package gcpauth

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/option"
)

// Credentials identifies a Google Cloud service account.
type Credentials struct {
	ProjectID   string
	ClientEmail string
	PrivateKey  string
}

// ErrIncomplete is returned when only some of the service-account fields are set.
var ErrIncomplete = errors.New("gcpauth: client_email and private_key must be set together")

// serviceAccount mirrors the fields of a Google service-account key file that
// the auth library reads.
type serviceAccount struct {
	Type        string `json:"type"`
	ProjectID   string `json:"project_id,omitempty"`
	ClientEmail string `json:"client_email"`
	PrivateKey  string `json:"private_key"`
	TokenURI    string `json:"token_uri"`
}

// JSON renders c as a service-account key file.
func (c Credentials) JSON() ([]byte, error) {
	if c.ClientEmail == "" || c.PrivateKey == "" {
		return nil, ErrIncomplete
	}
	b, err := json.Marshal(serviceAccount{
		Type:        "service_account",
		ProjectID:   c.ProjectID,
		ClientEmail: c.ClientEmail,
		PrivateKey:  normalizeKey(c.PrivateKey),
		TokenURI:    "https://oauth2.googleapis.com/token",
	})
	if err != nil {
		return nil, fmt.Errorf("gcpauth: encode credentials: %w", err)
	}
	return b, nil
}

// ClientOptions returns the options for a Google client. When neither email
// nor key is configured, no options are returned and the client falls back
// to Application Default Credentials.
func (c Credentials) ClientOptions() ([]option.ClientOption, error) {
	if c.ClientEmail == "" && c.PrivateKey == "" {
		return nil, nil
	}
	b, err := c.JSON()
	if err != nil {
		return nil, err
	}
	return []option.ClientOption{option.WithCredentialsJSON(b)}, nil
}

// normalizeKey restores newlines in PEM keys that were flattened into a single
// line with literal "\n" sequences, as happens with environment variables.
func normalizeKey(key string) string {
	if strings.Contains(key, "\n") {
		return key
	}
	return strings.ReplaceAll(key, `\n`, "\n")
}
