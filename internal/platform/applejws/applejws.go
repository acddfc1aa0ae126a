// Package applejws verifies App Store Server Notification signed payloads.
// The payload is a JWS whose x5c header carries the full certificate chain;
// the chain is validated against the pinned Apple root before the token
// signature is checked.
package applejws

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt"
)

const appleRootCAG3PEM = `-----BEGIN CERTIFICATE-----
MIICQzCCAcmgAwIBAgIILcX8iNLFS5UwCgYIKoZIzj0EAwMwZzEbMBkGA1UEAwwS
QXBwbGUgUm9vdCBDQSAtIEczMSYwJAYDVQQLDB1BcHBsZSBDZXJ0aWZpY2F0aW9u
IEF1dGhvcml0eTETMBEGA1UECgwKQXBwbGUgSW5jLjELMAkGA1UEBhMCVVMwHhcN
MTQwNDMwMTgxOTA2WhcNMzkwNDMwMTgxOTA2WjBnMRswGQYDVQQDDBJBcHBsZSBS
b290IENBIC0gRzMxJjAkBgNVBAsMHUFwcGxlIENlcnRpZmljYXRpb24gQXV0aG9y
aXR5MRMwEQYDVQQKDApBcHBsZSBJbmMuMQswCQYDVQQGEwJVUzB2MBAGByqGSM49
AgEGBSuBBAAiA2IABJjpLz1AcqTtkyJygRMc3RCV8cWjTnHcFBbZDuWmBSp3ZHtf
TjjTuxxEtX/1H7YyYl3J6YRbTzBPEVoA/VhYDKX1DyxNB0cTddqXl5dvMVztK517
IDvYuVTZXpmkOlEKMaNCMEAwHQYDVR0OBBYEFLuw3qFYM4iapIqZ3r6966/ayySr
MA8GA1UdEwEB/wQFMAMBAf8wDgYDVR0PAQH/BAQDAgEGMAoGCCqGSM49BAMDA2gA
MGUCMQCD6cHEFl4aXTQY2e3v9GwOAEZLuN+yRhHFD/3meoyhpmvOwgPUnPWTxnS4
at+qIxUCMG1mihDK1A3UT82NQz60imOlM27jbdoXt2QfyFMm+YhidDkLF1vLUagM
6BgD56KyKA==
-----END CERTIFICATE-----`

type jwsHeader struct {
	Alg string   `json:"alg"`
	X5c []string `json:"x5c"`
}

type NotificationData struct {
	AppAppleID            int64  `json:"appAppleId"`
	BundleID              string `json:"bundleId"`
	Environment           string `json:"environment"`
	SignedTransactionInfo string `json:"signedTransactionInfo"`
	SignedRenewalInfo     string `json:"signedRenewalInfo"`
}

type NotificationPayload struct {
	NotificationType string           `json:"notificationType"`
	Subtype          string           `json:"subtype"`
	NotificationUUID string           `json:"notificationUUID"`
	SignedDate       int64            `json:"signedDate"`
	Data             NotificationData `json:"data"`
}

func (p *NotificationPayload) Valid() error { return nil }

// TransactionInfo is the decoded signedTransactionInfo claim set.
// Timestamps are unix milliseconds; Price is in the currency's milliunits.
type TransactionInfo struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	BundleID              string `json:"bundleId"`
	ProductID             string `json:"productId"`
	AppAccountToken       string `json:"appAccountToken"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	RevocationDate        int64  `json:"revocationDate"`
	RevocationReason      *int   `json:"revocationReason"`
	Price                 int64  `json:"price"`
	Currency              string `json:"currency"`
	Type                  string `json:"type"`
}

func (t *TransactionInfo) Valid() error { return nil }

// Notification is a fully verified App Store server notification.
type Notification struct {
	Payload            *NotificationPayload
	TransactionInfo    *TransactionInfo
	IsTestNotification bool
	IsSandbox          bool
}

// Parse verifies the signed payload's certificate chain and signature and
// decodes the nested transaction info. Any verification failure returns an
// error; callers treat that as an unauthenticated notification.
func Parse(signedPayload string) (*Notification, error) {
	payload := &NotificationPayload{}
	if err := parseSigned(signedPayload, payload); err != nil {
		return nil, err
	}

	n := &Notification{
		Payload:            payload,
		IsTestNotification: payload.NotificationType == "TEST",
		IsSandbox:          payload.Data.Environment == "Sandbox",
	}
	if n.IsTestNotification {
		return n, nil
	}

	txn := &TransactionInfo{}
	if err := parseSigned(payload.Data.SignedTransactionInfo, txn); err != nil {
		return nil, err
	}
	n.TransactionInfo = txn
	return n, nil
}

// ParseTransaction verifies and decodes a standalone signed transaction, as
// returned by the App Store Server API.
func ParseTransaction(signedTransaction string) (*TransactionInfo, error) {
	txn := &TransactionInfo{}
	if err := parseSigned(signedTransaction, txn); err != nil {
		return nil, err
	}
	return txn, nil
}

func parseSigned(signedPayload string, claims jwt.Claims) error {
	if err := verifyCertChain(signedPayload); err != nil {
		return err
	}
	_, err := jwt.ParseWithClaims(signedPayload, claims, func(token *jwt.Token) (interface{}, error) {
		return leafPublicKey(signedPayload)
	})
	return err
}

// certFromHeader decodes the index-th x5c certificate of the JWS header.
func certFromHeader(signedPayload string, index int) ([]byte, error) {
	parts := strings.Split(signedPayload, ".")
	if len(parts) != 3 {
		return nil, errors.New("malformed JWS payload")
	}
	headerBytes, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, err
	}
	var header jwsHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, err
	}
	if index >= len(header.X5c) {
		return nil, errors.New("x5c chain too short")
	}
	return base64.StdEncoding.DecodeString(header.X5c[index])
}

func verifyCertChain(signedPayload string) error {
	leafBytes, err := certFromHeader(signedPayload, 0)
	if err != nil {
		return err
	}
	intermediateBytes, err := certFromHeader(signedPayload, 1)
	if err != nil {
		return err
	}

	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM([]byte(appleRootCAG3PEM)) {
		return errors.New("root certificate couldn't be parsed")
	}
	intermediate, err := x509.ParseCertificate(intermediateBytes)
	if err != nil {
		return errors.New("intermediate certificate couldn't be parsed")
	}
	intermediates := x509.NewCertPool()
	intermediates.AddCert(intermediate)

	leaf, err := x509.ParseCertificate(leafBytes)
	if err != nil {
		return err
	}
	_, err = leaf.Verify(x509.VerifyOptions{Roots: roots, Intermediates: intermediates})
	return err
}

func leafPublicKey(signedPayload string) (*ecdsa.PublicKey, error) {
	leafBytes, err := certFromHeader(signedPayload, 0)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(leafBytes)
	if err != nil {
		return nil, err
	}
	pk, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("appstore public key must be of type ecdsa.PublicKey")
	}
	return pk, nil
}
