package clientauth

import (
	"crypto/subtle"
	"net/http"
	"net/url"

	"github.com/obot-platform/authz-server/pkg/apierrors"
	"github.com/obot-platform/authz-server/pkg/catalog"
)

// Clients looks registered clients up by id
type Clients interface {
	Client(id string) (*catalog.Client, bool)
}

// Authenticate identifies the client of a token or revocation request with
// client_secret_basic or client_secret_post. Public clients only present
// their id. The request form must already be parsed.
func Authenticate(clients Clients, r *http.Request) (*catalog.Client, error) {
	clientID, clientSecret, fromHeader := r.BasicAuth()
	if fromHeader {
		// RFC 6749 section 2.3.1 form-encodes both values before base64.
		var err error
		if clientID, err = url.QueryUnescape(clientID); err != nil {
			return nil, apierrors.InvalidClient("malformed basic credentials")
		}
		if clientSecret, err = url.QueryUnescape(clientSecret); err != nil {
			return nil, apierrors.InvalidClient("malformed basic credentials")
		}
		if formID := r.PostForm.Get("client_id"); formID != "" && formID != clientID {
			return nil, apierrors.InvalidRequest("client_id does not match the authenticated client")
		}
	} else {
		clientID = r.PostForm.Get("client_id")
		clientSecret = r.PostForm.Get("client_secret")
	}

	if clientID == "" {
		return nil, apierrors.InvalidClient("client_id is required")
	}
	client, ok := clients.Client(clientID)
	if !ok {
		return nil, apierrors.InvalidClient("client not found")
	}
	if client.Public {
		return client, nil
	}

	if clientSecret == "" {
		return nil, apierrors.InvalidClient("client secret is required for confidential clients")
	}
	if subtle.ConstantTimeCompare([]byte(clientSecret), []byte(client.Secret)) != 1 {
		return nil, apierrors.InvalidClient("invalid client secret")
	}
	return client, nil
}
