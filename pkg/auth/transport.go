package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/synaptica-ai/reservation-sync/pkg/common/logger"
	"github.com/synaptica-ai/reservation-sync/pkg/common/syncerr"
)

const nonceHeader = "DPoP-Nonce"

type TokenSource interface {
	GetValidAccessToken(ctx context.Context) (string, error)
}

// Transport attaches a DPoP proof to every request and, when Tokens is set,
// the access token. A use_dpop_nonce challenge is answered exactly once.
type Transport struct {
	Base   http.RoundTripper
	Proofs *ProofSigner
	Tokens TokenSource
	// Scheme is the Authorization scheme, "DPoP" unless the API only accepts Bearer.
	Scheme string
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	var accessToken string
	if t.Tokens != nil {
		token, err := t.Tokens.GetValidAccessToken(req.Context())
		if err != nil {
			if _, ok := syncerr.CategoryOf(err); ok {
				return nil, err
			}
			return nil, syncerr.New(syncerr.CategoryAuthentication, "access token", err)
		}
		accessToken = token
	}

	resp, err := t.send(req, accessToken, "")
	if err != nil {
		return nil, err
	}

	nonce, challenged := nonceChallenge(resp)
	if !challenged {
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	drain(resp)
	logger.Log.WithField("url", req.URL.Path).Debug("Retrying request with server-provided DPoP nonce")
	return t.send(req, accessToken, nonce)
}

func (t *Transport) send(req *http.Request, accessToken, nonce string) (*http.Response, error) {
	proof, err := t.Proofs.Proof(req.Method, req.URL.String(), accessToken, nonce)
	if err != nil {
		return nil, syncerr.New(syncerr.CategoryAuthentication, "dpop proof", err)
	}

	out := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		out.Body = body
	}
	out.Header.Set("DPoP", proof)
	if accessToken != "" {
		scheme := t.Scheme
		if scheme == "" {
			scheme = "DPoP"
		}
		out.Header.Set("Authorization", scheme+" "+accessToken)
	}
	return t.base().RoundTrip(out)
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

// nonceChallenge recognises both the token endpoint form (400 with
// error=use_dpop_nonce in the body) and the resource server form (401 with a
// WWW-Authenticate challenge).
func nonceChallenge(resp *http.Response) (string, bool) {
	nonce := resp.Header.Get(nonceHeader)
	if nonce == "" {
		return "", false
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return nonce, strings.Contains(resp.Header.Get("WWW-Authenticate"), "use_dpop_nonce")
	case http.StatusBadRequest:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		resp.Body.Close()
		resp.Body = io.NopCloser(bytes.NewReader(body))
		if err != nil {
			return "", false
		}
		return nonce, bytes.Contains(body, []byte("use_dpop_nonce"))
	}
	return "", false
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

var errNoToken = errors.New("identity provider returned no access token")
