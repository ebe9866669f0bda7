package auth

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"

	"github.com/betbot/dutchbet/internal/domain"
	"github.com/betbot/dutchbet/pkg/retry"
)

// DefaultLoginURL is the non-interactive (certificate) login endpoint.
const DefaultLoginURL = "https://identitysso-cert.betfair.com.au/api/certlogin"

// Authenticator exchanges credentials for a session token.
type Authenticator interface {
	Login(ctx context.Context, creds Credentials) (string, error)
}

// CertLogin performs the certificate-based login: a form POST over mutual TLS.
type CertLogin struct {
	URL     string
	Timeout time.Duration

	loadCert  func(certFile, keyFile string) (tls.Certificate, error)
	newClient func() *resty.Client
}

func NewCertLogin(url string, timeout time.Duration) *CertLogin {
	if url == "" {
		url = DefaultLoginURL
	}
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &CertLogin{
		URL:       url,
		Timeout:   timeout,
		loadCert:  tls.LoadX509KeyPair,
		newClient: resty.New,
	}
}

type loginResponse struct {
	LoginStatus  string `json:"loginStatus"`
	SessionToken string `json:"sessionToken"`
}

// Login returns the session token. An unreadable certificate is a permanent
// configuration failure; transport errors and non-SUCCESS statuses are retryable.
func (c *CertLogin) Login(ctx context.Context, creds Credentials) (string, error) {
	cert, err := c.loadCert(creds.CertPath, creds.KeyPath)
	if err != nil {
		return "", retry.Permanent(&domain.ConfigError{Reason: "load client certificate: " + err.Error()})
	}

	client := c.newClient().
		SetTimeout(c.Timeout).
		SetCertificates(cert)

	resp, err := client.R().
		SetContext(ctx).
		SetHeader("X-Application", creds.AppKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetHeader("Accept", "application/json").
		SetFormData(map[string]string{
			"username": creds.Username,
			"password": creds.Password,
		}).
		Post(c.URL)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &domain.TransportError{Op: "certlogin", Cause: err}
	}
	if !resp.IsSuccess() {
		return "", errors.Errorf("certlogin: http status %d", resp.StatusCode())
	}

	var body loginResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", errors.Wrap(err, "certlogin: decode response")
	}
	if body.LoginStatus != "SUCCESS" || body.SessionToken == "" {
		return "", errors.Errorf("certlogin: login status %q", body.LoginStatus)
	}
	return body.SessionToken, nil
}
